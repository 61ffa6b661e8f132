package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"imagegen-backend/internal/ledger"
	"imagegen-backend/internal/models"
)

type WalletService struct {
	ledger      *ledger.Ledger
	signupBonus int64
}

func NewWalletService(wallets *ledger.Ledger, signupBonus int64) *WalletService {
	return &WalletService{
		ledger:      wallets,
		signupBonus: signupBonus,
	}
}

// Open returns the user's wallet, creating it with the signup bonus on first use.
func (s *WalletService) Open(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	granted, err := s.ledger.GrantBonus(ctx, userID, s.signupBonus)
	if err != nil {
		return nil, err
	}
	if granted {
		zap.L().Info("Signup bonus granted",
			zap.String("user_id", userID.String()),
			zap.Int64("points", s.signupBonus))
	}
	if s.signupBonus <= 0 {
		return s.ledger.EnsureWallet(ctx, userID)
	}
	return s.ledger.GetWallet(ctx, userID)
}

func (s *WalletService) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.WalletTransaction, error) {
	return s.ledger.History(ctx, userID, limit, offset)
}
