package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"imagegen-backend/internal/models"
	"imagegen-backend/internal/services"
)

type WalletHandler struct {
	walletService *services.WalletService
}

func NewWalletHandler(walletService *services.WalletService) *WalletHandler {
	return &WalletHandler{
		walletService: walletService,
	}
}

// GetWallet godoc
// @Summary     Get wallet balance
// @Description Returns the caller's wallet. The first call opens it and grants the signup bonus.
// @Tags        wallet
// @Produce     json
// @Security    Bearer
// @Success     200 {object} models.WalletResponse
// @Router      /wallet [get]
func (h *WalletHandler) GetWallet(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	wallet, err := h.walletService.Open(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.WalletResponse{
		WalletID: wallet.ID.String(),
		Balance:  wallet.Balance,
	})
}

// ListTransactions godoc
// @Summary     List wallet transactions
// @Tags        wallet
// @Produce     json
// @Security    Bearer
// @Param       limit  query int false "Page size (max 100)"
// @Param       offset query int false "Offset"
// @Success     200 {object} models.TransactionListResponse
// @Router      /wallet/transactions [get]
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	txs, err := h.walletService.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]models.TransactionResponse, 0, len(txs))
	for _, t := range txs {
		items = append(items, models.TransactionResponse{
			ID:        t.ID.String(),
			Delta:     t.Delta,
			Reason:    t.Reason,
			RefID:     t.RefID.String,
			CreatedAt: t.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, models.TransactionListResponse{Transactions: items})
}
