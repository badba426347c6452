package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/WheelShare/WheelShare/internal/booking"
	"github.com/WheelShare/WheelShare/internal/common/auth"
	"github.com/WheelShare/WheelShare/internal/common/config"
	"github.com/WheelShare/WheelShare/internal/common/db"
	"github.com/WheelShare/WheelShare/internal/common/logger"
	"github.com/WheelShare/WheelShare/internal/common/server"
	"github.com/WheelShare/WheelShare/internal/common/tracing"
	"github.com/WheelShare/WheelShare/internal/contract"
	"github.com/WheelShare/WheelShare/internal/fund"
	"github.com/WheelShare/WheelShare/internal/group"
	"github.com/WheelShare/WheelShare/internal/notify"
	"github.com/WheelShare/WheelShare/internal/payment"
	"github.com/WheelShare/WheelShare/internal/reconciler"
	"github.com/WheelShare/WheelShare/internal/vehicle"
	"github.com/WheelShare/WheelShare/internal/web"
	"google.golang.org/grpc"
)

var (
	configPath = flag.String("config", "configs/coown-service.json", "配置文件路径")
)

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}

	// 初始化链路追踪
	tracer, closer, err := tracing.InitTracer(
		cfg.Server.Name,
		cfg.Jaeger.Endpoint,
		cfg.Jaeger.Sampler,
	)
	if err != nil {
		log.Warnf("failed to init tracer: %v", err)
	} else {
		defer closer.Close()
	}
	_ = tracer

	// 初始化数据库
	gormDB, err := db.NewMySQL(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
		cfg.Database.MaxIdle,
		cfg.Database.MaxOpen,
	)
	if err != nil {
		log.Fatalf("failed to init mysql: %v", err)
	}
	if err := gormDB.AutoMigrate(
		&vehicle.Vehicle{},
		&group.Group{},
		&group.OwnershipShare{},
		&fund.SharedFund{},
		&booking.Booking{},
		&payment.Payment{},
		&contract.Contract{},
		&contract.ContractFeedback{},
	); err != nil {
		log.Fatalf("failed to migrate mysql schema: %v", err)
	}

	// 组装仓储与服务
	vehicleRepo := vehicle.NewRepo(gormDB)
	groupRepo := group.NewRepo(gormDB)
	fundRepo := fund.NewRepo(gormDB)
	bookingRepo := booking.NewRepo(gormDB)
	paymentRepo := payment.NewRepo(gormDB)
	contractRepo := contract.NewRepo(gormDB)

	ledger := fund.NewLedger(fundRepo, log)
	groupSvc := group.NewService(groupRepo, ledger)
	bookingSvc := booking.NewService(bookingRepo, vehicleRepo, groupSvc)
	paymentSvc := payment.NewService(paymentRepo)
	notifier := notify.NewLogNotifier(log)
	contractSvc := contract.NewService(
		contractRepo, groupRepo, vehicleRepo, paymentRepo,
		ledger, notifier, cfg.Deposit, log,
	)

	gateway := payment.NewBreakerGateway(
		payment.NewHTTPGateway(cfg.Payment.GatewayBaseURL, time.Duration(cfg.Payment.TimeoutSeconds)*time.Second),
		cfg.Payment.MaxFailures,
		time.Duration(cfg.Payment.ResetSeconds)*time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 押金截止日对账任务
	rec := reconciler.New(
		contractRepo, contractSvc, groupRepo, paymentRepo,
		ledger, gateway, notifier, cfg.Reconciler, log,
	)
	go rec.Run(ctx)

	// HTTP 入口（成员 API + 支付网关回调）
	blacklist := auth.NewBlacklist(time.Minute)
	defer blacklist.Close()
	httpSrv := web.NewServer(web.Deps{
		Bookings:       bookingSvc,
		Groups:         groupSvc,
		Contracts:      contractSvc,
		Payments:       paymentSvc,
		Ledger:         ledger,
		Vehicles:       vehicleRepo,
		AuthCfg:        cfg.Auth,
		Blacklist:      blacklist,
		CallbackSecret: cfg.Payment.CallbackSecret,
		Log:            log,
	})
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		log.Infof("http api listening on %s", addr)
		if err := httpSrv.Run(addr); err != nil {
			log.Errorf("http server exited: %v", err)
		}
	}()

	// gRPC 服务模板（健康检查 / Consul 注册 / 拦截器链）。
	// 业务 proto 就绪后在 register 回调里挂接。
	if err := server.RunGRPCServer(cfg, log, func(s *grpc.Server) error {
		return nil
	}); err != nil {
		log.Fatalf("coown-service exited with error: %v", err)
	}
}
