package group

import (
	"context"
	"fmt"
	"strings"

	"github.com/WheelShare/WheelShare/internal/errs"
	"github.com/google/uuid"
)

// FundProvisioner 组激活时懒创建两类基金（运营 / 押金池）。
// 由 fund 包实现，接口放在使用方避免反向依赖。
type FundProvisioner interface {
	EnsureGroupFunds(ctx context.Context, groupID string) error
}

// Service 封装共有组与份额的核心用例。
type Service struct {
	repo  *Repo
	funds FundProvisioner
}

func NewService(repo *Repo, funds FundProvisioner) *Service {
	return &Service{repo: repo, funds: funds}
}

// CreateGroupInput 创建组入参。
type CreateGroupInput struct {
	Name           string
	MemberCapacity int
	AdminUserID    string
	AdminPercent   int64 // 万分位
}

// CreateGroup 创建组并登记管理员份额。
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (*Group, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("group name required: %w", errs.ErrInvalidInput)
	}
	if in.MemberCapacity < 1 {
		return nil, fmt.Errorf("member capacity must be >= 1: %w", errs.ErrInvalidInput)
	}
	admin := strings.TrimSpace(in.AdminUserID)
	if admin == "" {
		return nil, fmt.Errorf("admin user required: %w", errs.ErrInvalidInput)
	}
	if in.AdminPercent <= 0 || in.AdminPercent > PercentBasis {
		return nil, fmt.Errorf("admin percent out of range: %w", errs.ErrInvalidInput)
	}

	g := &Group{
		ID:             uuid.NewString(),
		Name:           name,
		MemberCapacity: in.MemberCapacity,
		Active:         false,
	}
	if err := s.repo.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	share := &OwnershipShare{
		UserID:        admin,
		GroupID:       g.ID,
		Percent:       in.AdminPercent,
		Role:          RoleAdmin,
		DepositStatus: DepositPending,
	}
	if err := s.repo.AddShare(ctx, share); err != nil {
		return nil, err
	}
	return g, nil
}

// AddMember 登记普通成员份额。组满员或重复加入返回 Conflict。
func (s *Service) AddMember(ctx context.Context, groupID, userID string, percent int64) (*OwnershipShare, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	groupID = strings.TrimSpace(groupID)
	userID = strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return nil, fmt.Errorf("group_id and user_id required: %w", errs.ErrInvalidInput)
	}
	if percent <= 0 || percent > PercentBasis {
		return nil, fmt.Errorf("percent out of range: %w", errs.ErrInvalidInput)
	}

	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	shares, err := s.repo.ListShares(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(shares) >= g.MemberCapacity {
		return nil, fmt.Errorf("group %s is full: %w", groupID, errs.ErrConflict)
	}
	var sum int64
	for _, sh := range shares {
		sum += sh.Percent
	}
	if sum+percent > PercentBasis {
		return nil, fmt.Errorf("share percentages would exceed 100%%: %w", errs.ErrConflict)
	}

	share := &OwnershipShare{
		UserID:        userID,
		GroupID:       groupID,
		Percent:       percent,
		Role:          RoleMember,
		DepositStatus: DepositPending,
	}
	if err := s.repo.AddShare(ctx, share); err != nil {
		return nil, err
	}
	return share, nil
}

// Activate 激活组：份额之和必须恰好为 100.00%，随后懒创建两类基金。
func (s *Service) Activate(ctx context.Context, groupID string) (*Group, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Active {
		return g, nil // 幂等
	}
	shares, err := s.repo.ListShares(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var sum int64
	for _, sh := range shares {
		sum += sh.Percent
	}
	if sum != PercentBasis {
		return nil, fmt.Errorf("share percentages sum to %d/%d: %w", sum, PercentBasis, errs.ErrConflict)
	}

	if s.funds != nil {
		if err := s.funds.EnsureGroupFunds(ctx, groupID); err != nil {
			return nil, err
		}
	}

	g.Active = true
	if err := s.repo.UpdateGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// MemberPercent 查询用户在组内的份额（万分位）；无份额返回 ErrNotAMember。
func (s *Service) MemberPercent(ctx context.Context, userID, groupID string) (int64, error) {
	if s == nil || s.repo == nil {
		return 0, fmt.Errorf("service not initialized")
	}
	sh, err := s.repo.GetShare(ctx, userID, groupID)
	if err != nil {
		return 0, fmt.Errorf("percent of %s in %s: %w", userID, groupID, errs.ErrNotAMember)
	}
	return sh.Percent, nil
}

// Shares 暴露组内全部份额（对账、合同模块使用）。
func (s *Service) Shares(ctx context.Context, groupID string) ([]OwnershipShare, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.repo.ListShares(ctx, groupID)
}

// Get 查询组。
func (s *Service) Get(ctx context.Context, groupID string) (*Group, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.repo.GetGroup(ctx, groupID)
}
