package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/WheelShare/WheelShare/internal/booking"
	"github.com/WheelShare/WheelShare/internal/contract"
	"github.com/WheelShare/WheelShare/internal/errs"
	"github.com/WheelShare/WheelShare/internal/fund"
	"github.com/WheelShare/WheelShare/internal/group"
	"github.com/WheelShare/WheelShare/internal/payment"
	"github.com/WheelShare/WheelShare/internal/vehicle"
)

// httpStatus 领域错误 -> HTTP 状态码。
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrPermissionDenied), errors.Is(err, errs.ErrNotAMember):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrConflict),
		errors.Is(err, errs.ErrInvalidTransition),
		errors.Is(err, errs.ErrConcurrentUpdate),
		errors.Is(err, errs.ErrFundNotSpendable):
		return http.StatusConflict
	case errors.Is(err, errs.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrExternalDependency):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError && s.log != nil {
		s.log.Errorf("http %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// ---- 组与份额 ----

func (s *Server) handleCreateGroup(c *gin.Context) {
	var req struct {
		Name           string `json:"name"`
		MemberCapacity int    `json:"member_capacity"`
		AdminUserID    string `json:"admin_user_id"`
		AdminPercent   int64  `json:"admin_percent"` // 万分位
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	g, err := s.groups.CreateGroup(c.Request.Context(), group.CreateGroupInput{
		Name:           req.Name,
		MemberCapacity: req.MemberCapacity,
		AdminUserID:    req.AdminUserID,
		AdminPercent:   req.AdminPercent,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, g)
}

func (s *Server) handleAddMember(c *gin.Context) {
	var req struct {
		UserID  string `json:"user_id"`
		Percent int64  `json:"percent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	sh, err := s.groups.AddMember(c.Request.Context(), c.Param("id"), req.UserID, req.Percent)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, sh)
}

func (s *Server) handleActivateGroup(c *gin.Context) {
	g, err := s.groups.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, g)
}

func (s *Server) handleGroupFunds(c *gin.Context) {
	groupID := c.Param("id")
	operating, err := s.ledger.GroupFund(c.Request.Context(), groupID, fund.KindOperating)
	if err != nil {
		s.fail(c, err)
		return
	}
	reserve, err := s.ledger.GroupFund(c.Request.Context(), groupID, fund.KindDepositReserve)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, gin.H{"operating": operating, "deposit_reserve": reserve})
}

// ---- 车辆与时段 ----

func (s *Server) handleUpsertVehicle(c *gin.Context) {
	var req struct {
		ID             string `json:"id"`
		GroupID        string `json:"group_id"`
		PlateNumber    string `json:"plate_number"`
		VIN            string `json:"vin"`
		Model          string `json:"model"`
		AppraisedValue int64  `json:"appraised_value"`
		Status         string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = "available"
	}
	v := &vehicle.Vehicle{
		ID:             req.ID,
		GroupID:        req.GroupID,
		PlateNumber:    req.PlateNumber,
		VIN:            req.VIN,
		Model:          req.Model,
		AppraisedValue: req.AppraisedValue,
		Status:         req.Status,
	}
	if err := s.vehicles.Upsert(c.Request.Context(), v); err != nil {
		s.fail(c, err)
		return
	}
	ok(c, v)
}

func (s *Server) handleDaySlots(c *gin.Context) {
	day, err := time.Parse("2006-01-02", c.Query("day"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "day must be YYYY-MM-DD"})
		return
	}
	slots, err := s.bookings.DaySlots(c.Request.Context(), c.Param("id"), day)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, slots)
}

func (s *Server) handleNextAvailable(c *gin.Context) {
	after, err := time.Parse(time.RFC3339, c.Query("after"))
	if err != nil {
		after = time.Now()
	}
	var req struct {
		Hours int `form:"hours"`
	}
	if err := c.ShouldBindQuery(&req); err != nil || req.Hours <= 0 {
		req.Hours = 1
	}
	start, err := s.bookings.NextAvailable(c.Request.Context(), c.Param("id"), after, time.Duration(req.Hours)*time.Hour)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, gin.H{"start_at": start})
}

// ---- 预约 ----

func (s *Server) handleCreateBooking(c *gin.Context) {
	var req struct {
		UserID    string    `json:"user_id"`
		VehicleID string    `json:"vehicle_id"`
		StartAt   time.Time `json:"start_at"`
		EndAt     time.Time `json:"end_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	b, err := s.bookings.CreateBooking(c.Request.Context(), booking.CreateBookingInput{
		UserID:    req.UserID,
		VehicleID: req.VehicleID,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, b)
}

func (s *Server) handleConfirmBooking(c *gin.Context) {
	b, err := s.bookings.ConfirmBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, b)
}

func (s *Server) handleCancelBooking(c *gin.Context) {
	b, err := s.bookings.CancelBooking(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, b)
}

func (s *Server) handleCompleteBooking(c *gin.Context) {
	var req struct {
		InspectionOK bool `json:"inspection_ok"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		req.InspectionOK = true
	}
	b, err := s.bookings.CompleteBooking(c.Request.Context(), c.Param("id"), req.InspectionOK, time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, b)
}

// ---- 合同与反馈 ----

func (s *Server) handleCreateContract(c *gin.Context) {
	var req struct {
		GroupID   string    `json:"group_id"`
		Terms     string    `json:"terms"`
		StartDate time.Time `json:"start_date"`
		EndDate   time.Time `json:"end_date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	ct, err := s.contracts.CreateContract(c.Request.Context(), contract.CreateContractInput{
		GroupID:   req.GroupID,
		Terms:     req.Terms,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, ct)
}

func (s *Server) handleGetContract(c *gin.Context) {
	ct, err := s.contracts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, ct)
}

func (s *Server) handleSubmitFeedback(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id"`
		Reaction string `json:"reaction"` // agree / disagree
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	f, err := s.contracts.SubmitFeedback(c.Request.Context(), c.Param("id"), req.UserID, contract.Reaction(req.Reaction))
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, f)
}

func (s *Server) handleApproveFeedback(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)
	f, err := s.contracts.ApproveFeedback(c.Request.Context(), c.Param("id"), req.Note, time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, f)
}

func (s *Server) handleRejectFeedback(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)
	f, err := s.contracts.RejectFeedback(c.Request.Context(), c.Param("id"), req.Note, time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, f)
}

// ---- 支付 ----

func (s *Server) handleCreateDepositPayment(c *gin.Context) {
	var req struct {
		PayerID string `json:"payer_id"`
		GroupID string `json:"group_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	amount, err := s.contracts.MemberDeposit(c.Request.Context(), req.GroupID, req.PayerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	reserve, err := s.ledger.GroupFund(c.Request.Context(), req.GroupID, fund.KindDepositReserve)
	if err != nil {
		s.fail(c, err)
		return
	}
	p, err := s.payments.CreatePayment(c.Request.Context(), payment.CreatePaymentInput{
		PayerID: req.PayerID,
		GroupID: req.GroupID,
		FundID:  reserve.ID,
		Amount:  amount,
		Type:    payment.TypeDeposit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, p)
}

// handleGatewayCallback 消费支付网关回调。
// 请求体需携带 X-Gateway-Signature 头：对原始 body 做 HMAC-SHA256（共享密钥）。
// 对已 COMPLETED 的支付单重复回调返回现有结果，不再动账。
func (s *Server) handleGatewayCallback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable body"})
		return
	}
	if s.callbackSecret != "" && !validCallbackSignature(body, c.GetHeader("X-Gateway-Signature"), s.callbackSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid signature"})
		return
	}

	var req struct {
		ExternalRef  string `json:"external_ref"`
		GatewayTxnID string `json:"gateway_txn_id"`
		Success      bool   `json:"success"`
		Raw          string `json:"raw"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if !req.Success {
		p, err := s.payments.MarkFailed(c.Request.Context(), req.ExternalRef, req.Raw, time.Now())
		if err != nil {
			s.fail(c, err)
			return
		}
		ok(c, p)
		return
	}

	p, err := s.contracts.ConfirmDeposit(c.Request.Context(), req.ExternalRef, req.GatewayTxnID, req.Raw, time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, p)
}

// validCallbackSignature 常量时间比较 hex(HMAC-SHA256(body, secret))。
func validCallbackSignature(body []byte, signature, secret string) bool {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// ---- 鉴权 ----

// handleLogout 吊销当前 token：写入带 TTL 的黑名单。
func (s *Server) handleLogout(c *gin.Context) {
	token, _ := c.Get("token")
	tokenStr, _ := token.(string)
	if tokenStr == "" || s.blacklist == nil {
		ok(c, gin.H{"revoked": false})
		return
	}
	exp := time.Now().Add(24 * time.Hour)
	if v, exists := c.Get("token_expires"); exists {
		if numeric, okCast := v.(*jwt.NumericDate); okCast && numeric != nil {
			exp = numeric.Time
		}
	}
	s.blacklist.Revoke(tokenStr, exp)
	ok(c, gin.H{"revoked": true})
}
