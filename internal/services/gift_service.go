package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/whisprapp/wallet/internal/config"
	"github.com/whisprapp/wallet/internal/models"
	"github.com/whisprapp/wallet/internal/notify"
)

// GiftService moves money between two user wallets in one atomic unit: the
// sender is debited the gross amount, the recipient credited the net amount
// and the platform fee account credited the difference.
type GiftService struct {
	db        *sql.DB
	ledger    *LedgerService
	cfg       *config.WalletConfig
	notifier  notify.Notifier
	validator *ValidationHelper
}

func NewGiftService(db *sql.DB, ledger *LedgerService, cfg *config.WalletConfig, notifier notify.Notifier) *GiftService {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &GiftService{
		db:        db,
		ledger:    ledger,
		cfg:       cfg,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

// SendGift transfers amount from one account to another, fee included.
func (s *GiftService) SendGift(ctx context.Context, fromAccountID, toAccountID string, amount int64, message string) (*models.Gift, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromAccountID == toAccountID {
		return nil, ErrInvalidAmount
	}

	fee := s.cfg.GiftFee(amount)
	gift := &models.Gift{
		ID:            uuid.NewString(),
		FromAccountID: fromAccountID,
		ToAccountID:   toAccountID,
		Amount:        amount,
		Fee:           fee,
		NetAmount:     amount - fee,
		Message:       message,
		CreatedAt:     time.Now().UTC(),
	}
	source := &models.SourceRef{Kind: models.SourceGift, ID: gift.ID}

	err := s.ledger.RunAtomic(ctx, func(tx *sql.Tx) error {
		// Lock order by account id across all three legs to stay
		// deadlock-free against concurrent opposing gifts.
		type leg struct {
			accountID string
			apply     func() error
		}
		legs := []leg{
			{fromAccountID, func() error {
				_, err := s.ledger.DebitTx(tx, fromAccountID, amount, "Gift sent", source)
				return err
			}},
			{toAccountID, func() error {
				_, err := s.ledger.CreditTx(tx, toAccountID, gift.NetAmount, "Gift received", source)
				return err
			}},
		}
		if fee > 0 {
			legs = append(legs, leg{s.cfg.FeeAccountID, func() error {
				_, err := s.ledger.CreditTx(tx, s.cfg.FeeAccountID, fee, "Gift fee", source)
				return err
			}})
		}
		sort.Slice(legs, func(i, j int) bool { return legs[i].accountID < legs[j].accountID })
		for _, l := range legs {
			if err := l.apply(); err != nil {
				return err
			}
		}

		_, err := tx.Exec(`
			INSERT INTO gifts (id, from_account_id, to_account_id, amount, fee, net_amount, message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			gift.ID, gift.FromAccountID, gift.ToAccountID, gift.Amount, gift.Fee,
			gift.NetAmount, gift.Message, gift.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[GIFT] %s: %d from %s to %s (fee %d)", gift.ID, amount, fromAccountID, toAccountID, fee)
	go s.notifier.Notify(toAccountID, notify.KindGiftReceived, map[string]interface{}{
		"gift_id": gift.ID,
		"amount":  gift.NetAmount,
		"message": gift.Message,
	})
	return gift, nil
}

// CreateGift sends a gift from the authenticated user's wallet
// @Summary Send a gift
// @Description Transfer funds to another wallet, platform fee deducted
// @Tags gifts
// @Accept json
// @Produce json
// @Param gift body models.GiftRequest true "Gift request"
// @Success 201 {object} models.Gift
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /gifts [post]
func (s *GiftService) CreateGift(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.GiftRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := s.ledger.AccountByUserID(r.Context(), userID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	gift, err := s.SendGift(r.Context(), account.ID, req.ToAccountID, req.Amount, req.Message)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(gift)
}
