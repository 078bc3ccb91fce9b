package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/blnkfinance/disburse/model"
)

// RecipientID is the decoded sender_item_id of a payout item. It is one of
// CanonicalID, LegacyID or UnparseableID.
type RecipientID interface {
	recipientID()
}

// CanonicalID is the winner_{selection}_user_{user} encoding.
type CanonicalID struct {
	CycleWinnerSelectionID int64
	UserID                 int64
}

// LegacyID is an older encoding that only carries the user.
type LegacyID struct {
	UserID int64
	Raw    string
}

// UnparseableID keeps the raw fragment when no known encoding matched.
type UnparseableID struct {
	Raw string
}

func (CanonicalID) recipientID()   {}
func (LegacyID) recipientID()      {}
func (UnparseableID) recipientID() {}

var (
	canonicalPattern  = regexp.MustCompile(`^winner_(\d+)_user_(\d+)$`)
	legacyUserPattern = regexp.MustCompile(`^user_(\d+)$`)
	legacyBarePattern = regexp.MustCompile(`^(\d+)$`)
)

// ParseSenderItemID decodes a sender_item_id. It never fails; unknown encodings
// come back as UnparseableID.
func ParseSenderItemID(raw string) RecipientID {
	s := strings.TrimSpace(raw)
	if m := canonicalPattern.FindStringSubmatch(s); m != nil {
		cws, err1 := strconv.ParseInt(m[1], 10, 64)
		user, err2 := strconv.ParseInt(m[2], 10, 64)
		if err1 == nil && err2 == nil {
			return CanonicalID{CycleWinnerSelectionID: cws, UserID: user}
		}
	}
	for _, p := range []*regexp.Regexp{legacyUserPattern, legacyBarePattern} {
		if m := p.FindStringSubmatch(s); m != nil {
			if user, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				return LegacyID{UserID: user, Raw: raw}
			}
		}
	}
	return UnparseableID{Raw: raw}
}

// Resolve flattens a RecipientID. The annotation is empty for canonical ids and
// carries the legacy_format marker otherwise.
func Resolve(id RecipientID) (cycleWinnerSelectionID, userID int64, annotation string) {
	switch v := id.(type) {
	case CanonicalID:
		return v.CycleWinnerSelectionID, v.UserID, ""
	case LegacyID:
		return model.UnresolvedWinnerSelectionID, v.UserID,
			fmt.Sprintf("legacy_format: sender_item_id %q has no winner selection", v.Raw)
	case UnparseableID:
		return model.UnresolvedWinnerSelectionID, 0,
			fmt.Sprintf("legacy_format: unrecognized sender_item_id %q", v.Raw)
	}
	return model.UnresolvedWinnerSelectionID, 0, "legacy_format: missing sender_item_id"
}
