package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// NormalizeEmail lower-cases and trims an email so that comparisons and hashes
// do not depend on how the address was typed.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SenderItemID is the canonical per-recipient identifier sent to the gateway.
func SenderItemID(cycleWinnerSelectionID, userID int64) string {
	return fmt.Sprintf("winner_%d_user_%d", cycleWinnerSelectionID, userID)
}
