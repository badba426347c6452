package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/WheelShare/WheelShare/internal/booking"
	"github.com/WheelShare/WheelShare/internal/common/auth"
	"github.com/WheelShare/WheelShare/internal/common/config"
	"github.com/WheelShare/WheelShare/internal/common/logger"
	"github.com/WheelShare/WheelShare/internal/common/middleware"
	"github.com/WheelShare/WheelShare/internal/contract"
	"github.com/WheelShare/WheelShare/internal/fund"
	"github.com/WheelShare/WheelShare/internal/group"
	"github.com/WheelShare/WheelShare/internal/payment"
	"github.com/WheelShare/WheelShare/internal/vehicle"
)

// Server 对外 HTTP 入口：成员侧 API + 支付网关回调。
type Server struct {
	router *gin.Engine

	bookings  *booking.Service
	groups    *group.Service
	contracts *contract.Service
	payments  *payment.Service
	ledger    *fund.Ledger
	vehicles  *vehicle.Repo

	authCfg         config.AuthConfig
	blacklist       *auth.Blacklist
	limiter         middleware.RateLimiter
	callbackLimiter middleware.RateLimiter
	callbackSecret  string
	log             logger.Logger
}

// Deps 构造 Server 所需的依赖集合。
type Deps struct {
	Bookings  *booking.Service
	Groups    *group.Service
	Contracts *contract.Service
	Payments  *payment.Service
	Ledger    *fund.Ledger
	Vehicles  *vehicle.Repo
	AuthCfg   config.AuthConfig
	Blacklist *auth.Blacklist
	// CallbackSecret 支付网关回调的共享密钥；空串关闭签名校验（本地联调用）
	CallbackSecret string
	Log            logger.Logger
}

func NewServer(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		bookings:  d.Bookings,
		groups:    d.Groups,
		contracts: d.Contracts,
		payments:  d.Payments,
		ledger:    d.Ledger,
		vehicles:  d.Vehicles,
		authCfg:   d.AuthCfg,
		blacklist: d.Blacklist,
		limiter:   middleware.NewTokenBucket(100, 50),
		// 回调端点不走用户鉴权，用更紧的滑动窗口单独限流
		callbackLimiter: middleware.NewSlidingWindow(time.Minute, 600),
		callbackSecret:  d.CallbackSecret,
		log:             d.Log,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	// 网关回调不走用户鉴权，改用共享密钥的 HMAC 签名校验（见 handleGatewayCallback）
	router.POST("/api/payments/callback", limitBy(s.callbackLimiter), s.handleGatewayCallback)

	api := router.Group("/api")
	api.Use(s.rateLimit(), s.authenticate())
	{
		api.POST("/groups", s.handleCreateGroup)
		api.POST("/groups/:id/members", s.handleAddMember)
		api.POST("/groups/:id/activate", s.handleActivateGroup)
		api.GET("/groups/:id/funds", s.handleGroupFunds)

		api.POST("/vehicles", s.handleUpsertVehicle)
		api.GET("/vehicles/:id/slots", s.handleDaySlots)
		api.GET("/vehicles/:id/next-available", s.handleNextAvailable)

		api.POST("/bookings", s.handleCreateBooking)
		api.POST("/bookings/:id/confirm", s.handleConfirmBooking)
		api.POST("/bookings/:id/cancel", s.handleCancelBooking)
		api.POST("/bookings/:id/complete", s.handleCompleteBooking)

		api.POST("/contracts", s.handleCreateContract)
		api.GET("/contracts/:id", s.handleGetContract)
		api.POST("/contracts/:id/feedback", s.handleSubmitFeedback)
		api.POST("/feedbacks/:id/approve", s.handleApproveFeedback)
		api.POST("/feedbacks/:id/reject", s.handleRejectFeedback)

		api.POST("/payments/deposit", s.handleCreateDepositPayment)

		api.POST("/auth/logout", s.handleLogout)
	}

	return s
}

// Handler 暴露底层 http.Handler，便于挂到外层 http.Server 与测试。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 启动 HTTP 服务。
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return limitBy(s.limiter)
}

func limitBy(l middleware.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow(c.Request.Context()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// authenticate 校验 Bearer JWT（未启用鉴权时直接放行），并把用户信息放入 ctx。
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authCfg.Enabled {
			c.Next()
			return
		}

		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			raw = strings.TrimSpace(raw[len("bearer "):])
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		if s.blacklist != nil && s.blacklist.Contains(raw) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token revoked"})
			return
		}

		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.authCfg.JWTSecret), nil
		}, jwt.WithLeeway(30*time.Second))
		if err != nil || parsed == nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", claims.Subject)
		c.Set("token", raw)
		c.Set("token_expires", claims.ExpiresAt)
		c.Next()
	}
}
