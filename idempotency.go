package disburse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/blnkfinance/disburse/model"
)

type checksumRecipient struct {
	UserID   int64  `json:"userId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receiver string `json:"receiver"`
}

type checksumMaterial struct {
	CycleSettingID int64               `json:"cycleSettingId"`
	AdminID        int64               `json:"adminId"`
	TotalAmount    int64               `json:"totalAmount"`
	RequestID      string              `json:"requestId"`
	Recipients     []checksumRecipient `json:"recipients"`
}

type senderBatchRecipient struct {
	CycleWinnerSelectionID int64  `json:"cycleWinnerSelectionId"`
	UserID                 int64  `json:"userId"`
	Amount                 int64  `json:"amount"`
	Currency               string `json:"currency"`
	Receiver               string `json:"receiver"`
}

type senderBatchMaterial struct {
	TotalAmount int64                  `json:"totalAmount"`
	Recipients  []senderBatchRecipient `json:"recipients"`
}

// DefaultRequestID is the request id used when the caller supplies none.
func DefaultRequestID(cycleSettingID int64) string {
	return fmt.Sprintf("disbursement:%d", cycleSettingID)
}

// GenerateIdempotencyData derives the gateway sender batch id and the request checksum.
// It is pure: the same context always yields the same data, whatever the recipient order.
func GenerateIdempotencyData(tc model.TransactionContext) model.IdempotencyData {
	recipients := sortRecipients(tc.Recipients)

	material := checksumMaterial{
		CycleSettingID: tc.CycleSettingID,
		AdminID:        tc.AdminID,
		TotalAmount:    tc.TotalAmount,
		RequestID:      tc.RequestID,
		Recipients:     make([]checksumRecipient, 0, len(recipients)),
	}
	for _, r := range recipients {
		material.Recipients = append(material.Recipients, checksumRecipient{
			UserID:   r.UserID,
			Amount:   r.Amount,
			Currency: r.Currency,
			Receiver: hashHex(model.NormalizeEmail(r.PaypalEmail)),
		})
	}

	senderBatchID := tc.SenderBatchID
	if senderBatchID == "" {
		senderBatchID = deriveSenderBatchID(tc.CycleSettingID, tc.TotalAmount, recipients)
	}

	return model.IdempotencyData{
		SenderBatchID:   senderBatchID,
		RequestChecksum: hashHex(mustMarshal(material)),
	}
}

// deriveSenderBatchID depends only on the cycle and the recipient set, so the same
// payout issued by two admins collides while a smaller retry set does not.
func deriveSenderBatchID(cycleSettingID, totalAmount int64, sorted []model.Recipient) string {
	material := senderBatchMaterial{
		TotalAmount: totalAmount,
		Recipients:  make([]senderBatchRecipient, 0, len(sorted)),
	}
	for _, r := range sorted {
		material.Recipients = append(material.Recipients, senderBatchRecipient{
			CycleWinnerSelectionID: r.CycleWinnerSelectionID,
			UserID:                 r.UserID,
			Amount:                 r.Amount,
			Currency:               r.Currency,
			Receiver:               hashHex(model.NormalizeEmail(r.PaypalEmail)),
		})
	}
	return fmt.Sprintf("cycle_%d_%s", cycleSettingID, hashHex(mustMarshal(material))[:16])
}

func sortRecipients(in []model.Recipient) []model.Recipient {
	out := make([]model.Recipient, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ea, eb := model.NormalizeEmail(a.PaypalEmail), model.NormalizeEmail(b.PaypalEmail)
		if ea != eb {
			return ea < eb
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.CycleWinnerSelectionID != b.CycleWinnerSelectionID {
			return a.CycleWinnerSelectionID < b.CycleWinnerSelectionID
		}
		if a.Amount != b.Amount {
			return a.Amount < b.Amount
		}
		return a.Currency < b.Currency
	})
	return out
}

func hashHex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// mustMarshal only sees plain structs of strings and integers, which always encode.
func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
