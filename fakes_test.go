package disburse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/blnkfinance/disburse/gateway"
	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/internal/metrics"
	"github.com/blnkfinance/disburse/model"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory IDataSource with error injection.
type fakeStore struct {
	mu sync.Mutex

	nextBatchID int64
	nextItemID  int64
	batches     map[int64]*model.PayoutBatch
	items       map[int64][]*model.PayoutBatchItem
	winners     map[int64]*model.WinnerSelection
	cycles      map[int64]*model.Cycle
	rewards     map[int64]*model.UserReward
	locks       map[string]model.AdvisoryLock

	// fail makes the named method return the error.
	fail map[string]error
	// failBatchUpdate is consulted on every UpdatePayoutBatch.
	failBatchUpdate func(patch model.PayoutBatchPatch) error
	// calls records mutating calls in order.
	calls []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches: map[int64]*model.PayoutBatch{},
		items:   map[int64][]*model.PayoutBatchItem{},
		winners: map[int64]*model.WinnerSelection{},
		cycles:  map[int64]*model.Cycle{},
		rewards: map[int64]*model.UserReward{},
		locks:   map[string]model.AdvisoryLock{},
		fail:    map[string]error{},
	}
}

func (s *fakeStore) injected(method string) error {
	s.calls = append(s.calls, method)
	return s.fail[method]
}

func notFound(what string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, what+" not found", nil)
}

func copyBatch(b *model.PayoutBatch) *model.PayoutBatch {
	c := *b
	return &c
}

func copyItem(i *model.PayoutBatchItem) *model.PayoutBatchItem {
	c := *i
	return &c
}

func (s *fakeStore) addCycle(id int64, status string) {
	s.cycles[id] = &model.Cycle{ID: id, Name: fmt.Sprintf("cycle %d", id), Status: status}
}

func (s *fakeStore) addWinner(id, cycleID, userID int64, email, amount string) *model.WinnerSelection {
	w := &model.WinnerSelection{
		ID:             id,
		CycleSettingID: cycleID,
		UserID:         userID,
		PaypalEmail:    email,
		PayoutStatus:   model.WinnerPayoutNotStarted,
		PayoutFinal:    decimal.RequireFromString(amount),
		IsSealed:       true,
	}
	s.winners[id] = w
	return w
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeStore) batch(id int64) *model.PayoutBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok {
		return copyBatch(b)
	}
	return nil
}

func (s *fakeStore) itemsOf(batchID int64) []*model.PayoutBatchItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PayoutBatchItem, 0, len(s.items[batchID]))
	for _, i := range s.items[batchID] {
		out = append(out, copyItem(i))
	}
	return out
}

func (s *fakeStore) insertBatch(batch *model.PayoutBatch) (*model.PayoutBatch, error) {
	for _, b := range s.batches {
		if b.SenderBatchID == batch.SenderBatchID {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "a payout batch with this sender batch id already exists", nil)
		}
	}
	s.nextBatchID++
	b := copyBatch(batch)
	b.ID = s.nextBatchID
	b.CreatedAt = testNow
	b.UpdatedAt = testNow
	s.batches[b.ID] = b
	return copyBatch(b), nil
}

func (s *fakeStore) insertItems(batchID int64, items []*model.PayoutBatchItem) []*model.PayoutBatchItem {
	out := make([]*model.PayoutBatchItem, 0, len(items))
	for _, item := range items {
		s.nextItemID++
		stored := copyItem(item)
		stored.ID = s.nextItemID
		stored.BatchID = batchID
		s.items[batchID] = append(s.items[batchID], stored)
		out = append(out, copyItem(stored))
	}
	return out
}

func (s *fakeStore) CreatePayoutBatch(_ context.Context, batch *model.PayoutBatch) (*model.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreatePayoutBatch"); err != nil {
		return nil, err
	}
	return s.insertBatch(batch)
}

func (s *fakeStore) CreatePayoutBatchWithItems(_ context.Context, batch *model.PayoutBatch, items []*model.PayoutBatchItem) (*model.PayoutBatch, []*model.PayoutBatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreatePayoutBatchWithItems"); err != nil {
		return nil, nil, err
	}
	created, err := s.insertBatch(batch)
	if err != nil {
		return nil, nil, err
	}
	return created, s.insertItems(created.ID, items), nil
}

func (s *fakeStore) GetPayoutBatchByID(_ context.Context, id int64) (*model.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["GetPayoutBatchByID"]; err != nil {
		return nil, err
	}
	b, ok := s.batches[id]
	if !ok {
		return nil, notFound("payout batch")
	}
	return copyBatch(b), nil
}

func (s *fakeStore) latest(match func(b *model.PayoutBatch) bool) *model.PayoutBatch {
	var found *model.PayoutBatch
	for _, b := range s.batches {
		if match(b) && (found == nil || b.ID > found.ID) {
			found = b
		}
	}
	if found == nil {
		return nil
	}
	return copyBatch(found)
}

func (s *fakeStore) GetPayoutBatchByChecksum(_ context.Context, checksum string) (*model.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(func(b *model.PayoutBatch) bool { return b.RequestChecksum == checksum }), nil
}

func (s *fakeStore) GetPayoutBatchByPaypalBatchID(_ context.Context, paypalBatchID string) (*model.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(func(b *model.PayoutBatch) bool {
		return b.PaypalBatchID != nil && *b.PaypalBatchID == paypalBatchID
	}), nil
}

func (s *fakeStore) CheckExistingBatch(_ context.Context, senderBatchID, checksum string) (*model.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["CheckExistingBatch"]; err != nil {
		return nil, err
	}
	return s.latest(func(b *model.PayoutBatch) bool {
		return b.SenderBatchID == senderBatchID || b.RequestChecksum == checksum
	}), nil
}

func (s *fakeStore) UpdatePayoutBatch(_ context.Context, id int64, patch model.PayoutBatchPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdatePayoutBatch"); err != nil {
		return err
	}
	if s.failBatchUpdate != nil {
		if err := s.failBatchUpdate(patch); err != nil {
			return err
		}
	}
	b, ok := s.batches[id]
	if !ok {
		return notFound("payout batch")
	}
	if patch.Status != nil {
		b.Status = *patch.Status
	}
	if patch.PaypalBatchID != nil {
		v := *patch.PaypalBatchID
		b.PaypalBatchID = &v
	}
	if patch.RetryCount != nil {
		b.RetryCount = *patch.RetryCount
	}
	if patch.LastRetryAt != nil {
		v := *patch.LastRetryAt
		b.LastRetryAt = &v
	}
	if patch.LastRetryError != nil {
		v := *patch.LastRetryError
		b.LastRetryError = &v
	}
	if patch.RequiresReconciliation != nil {
		b.RequiresReconciliation = *patch.RequiresReconciliation
	}
	b.UpdatedAt = testNow
	return nil
}

func (s *fakeStore) DeletePayoutBatch(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeletePayoutBatch"); err != nil {
		return err
	}
	delete(s.batches, id)
	return nil
}

func (s *fakeStore) GetPayoutBatchesByCycle(_ context.Context, cycleID int64) ([]*model.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PayoutBatch
	for _, b := range s.batches {
		if b.CycleSettingID == cycleID {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *fakeStore) GetPayoutBatchesByStatus(_ context.Context, statuses []string, limit int) ([]*model.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PayoutBatch
	for _, b := range s.batches {
		for _, st := range statuses {
			if b.Status == st {
				out = append(out, copyBatch(b))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetPayoutBatchSummary(_ context.Context) (*model.PayoutSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := &model.PayoutSummary{CountsByStatus: map[string]int{}}
	for _, b := range s.batches {
		summary.CountsByStatus[b.Status]++
		if b.RequiresReconciliation {
			summary.RequiresReconciliation++
		}
		for _, i := range s.items[b.ID] {
			if i.Status == model.ItemStatusSuccess {
				summary.TotalPaidOut += i.Amount
			}
		}
	}
	return summary, nil
}

func (s *fakeStore) GetPayoutBatchItemsByBatchID(_ context.Context, batchID int64) ([]*model.PayoutBatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PayoutBatchItem, 0, len(s.items[batchID]))
	for _, i := range s.items[batchID] {
		out = append(out, copyItem(i))
	}
	return out, nil
}

func (s *fakeStore) UpdatePayoutBatchItem(_ context.Context, id int64, patch model.PayoutBatchItemPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdatePayoutBatchItem"); err != nil {
		return err
	}
	for _, items := range s.items {
		for _, item := range items {
			if item.ID == id {
				applyItemPatch(item, patch)
				return nil
			}
		}
	}
	return notFound("payout batch item")
}

func (s *fakeStore) DeletePayoutBatchItems(_ context.Context, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeletePayoutBatchItems"); err != nil {
		return err
	}
	delete(s.items, batchID)
	return nil
}

func (s *fakeStore) GetWinnerSelectionByID(_ context.Context, id int64) (*model.WinnerSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.winners[id]
	if !ok {
		return nil, notFound("winner selection")
	}
	c := *w
	return &c, nil
}

func (s *fakeStore) GetWinnerSelectionsByIDs(_ context.Context, cycleID int64, ids []int64) ([]*model.WinnerSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WinnerSelection
	for _, id := range ids {
		if w, ok := s.winners[id]; ok && w.CycleSettingID == cycleID {
			c := *w
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeStore) GetEligibleWinnerSelections(_ context.Context, cycleID int64) ([]*model.WinnerSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WinnerSelection
	for _, w := range s.winners {
		if w.CycleSettingID == cycleID && w.IsEligible() {
			c := *w
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) UpdateWinnerPayoutStatus(_ context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateWinnerPayoutStatus"); err != nil {
		return err
	}
	w, ok := s.winners[id]
	if !ok {
		return notFound("winner selection")
	}
	w.PayoutStatus = status
	return nil
}

func (s *fakeStore) GetCycleByID(_ context.Context, id int64) (*model.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cycles[id]
	if !ok {
		return nil, notFound("cycle")
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) MarkCycleAsCompleted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MarkCycleAsCompleted"); err != nil {
		return err
	}
	c, ok := s.cycles[id]
	if !ok {
		return notFound("cycle")
	}
	c.Status = model.CycleStatusCompleted
	at := testNow
	c.CompletedAt = &at
	return nil
}

func (s *fakeStore) CreateUserRewards(_ context.Context, rewards []*model.UserReward) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateUserRewards"); err != nil {
		return 0, err
	}
	inserted := 0
	for _, r := range rewards {
		if _, ok := s.rewards[r.CycleWinnerSelectionID]; ok {
			continue
		}
		c := *r
		s.rewards[r.CycleWinnerSelectionID] = &c
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) AcquireLock(_ context.Context, key, holder string, ttl time.Duration) (*model.AdvisoryLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["AcquireLock"]; err != nil {
		return nil, err
	}
	if l, ok := s.locks[key]; ok && l.ExpiresAt.After(testNow) {
		return nil, &model.LockHeldError{Key: key, Holder: l.Holder, Remaining: l.Remaining(testNow)}
	}
	l := model.AdvisoryLock{Key: key, Holder: holder, AcquiredAt: testNow, ExpiresAt: testNow.Add(ttl)}
	s.locks[key] = l
	return &l, nil
}

func (s *fakeStore) ReleaseLock(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.Holder != holder {
		return errors.New("not the lock holder")
	}
	delete(s.locks, key)
	return nil
}

func (s *fakeStore) GetActiveAdvisoryLocks(_ context.Context) ([]model.AdvisoryLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AdvisoryLock
	for _, l := range s.locks {
		if l.ExpiresAt.After(testNow) {
			out = append(out, l)
		}
	}
	return out, nil
}

// fakeGateway answers payout calls from a script.
type fakeGateway struct {
	mu sync.Mutex

	// createErrs are returned by successive CreatePayout calls before it succeeds.
	createErrs []error
	// itemStatus decides each item's gateway transaction status, SUCCESS by default.
	itemStatus  func(r model.Recipient) string
	batchStatus string
	rawOverride []byte

	status    *gateway.PayoutResult
	statusErr error

	// entered receives a value when CreatePayout is called; the call then waits on
	// release when it is set.
	entered chan struct{}
	release chan struct{}

	createCalls int
	statusCalls int
	lastSender  string
	lastRecips  []model.Recipient
}

type fakeItem struct {
	PayoutItemID      string `json:"payout_item_id"`
	TransactionStatus string `json:"transaction_status"`
	PayoutItem        struct {
		SenderItemID string `json:"sender_item_id"`
		Receiver     string `json:"receiver"`
		Amount       struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
	} `json:"payout_item"`
	Errors *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

func payoutResponse(paypalBatchID, senderBatchID, batchStatus string, recipients []model.Recipient, status func(model.Recipient) string) []byte {
	items := make([]fakeItem, 0, len(recipients))
	for i, r := range recipients {
		var it fakeItem
		it.PayoutItemID = fmt.Sprintf("ITEM-%d", i+1)
		it.TransactionStatus = status(r)
		it.PayoutItem.SenderItemID = model.SenderItemID(r.CycleWinnerSelectionID, r.UserID)
		it.PayoutItem.Receiver = r.PaypalEmail
		it.PayoutItem.Amount.Value = model.CentsToDecimal(r.Amount).StringFixed(2)
		it.PayoutItem.Amount.Currency = r.Currency
		if it.TransactionStatus == "FAILED" {
			it.Errors = &struct {
				Name    string `json:"name"`
				Message string `json:"message"`
			}{Name: "RECEIVER_UNREGISTERED", Message: "Receiver is unregistered"}
		}
		items = append(items, it)
	}
	body := map[string]interface{}{
		"batch_header": map[string]interface{}{
			"payout_batch_id":     paypalBatchID,
			"batch_status":        batchStatus,
			"sender_batch_header": map[string]string{"sender_batch_id": senderBatchID},
		},
		"items": items,
	}
	raw, _ := json.Marshal(body)
	return raw
}

func (g *fakeGateway) CreatePayout(_ context.Context, senderBatchID string, recipients []model.Recipient) ([]byte, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.lastSender = senderBatchID
	g.lastRecips = recipients
	if len(g.createErrs) > 0 {
		err := g.createErrs[0]
		g.createErrs = g.createErrs[1:]
		return nil, err
	}
	if g.rawOverride != nil {
		return g.rawOverride, nil
	}
	status := g.itemStatus
	if status == nil {
		status = func(model.Recipient) string { return "SUCCESS" }
	}
	batchStatus := g.batchStatus
	if batchStatus == "" {
		batchStatus = "SUCCESS"
	}
	return payoutResponse(fmt.Sprintf("PB-%d", g.createCalls), senderBatchID, batchStatus, recipients, status), nil
}

func (g *fakeGateway) ParsePayoutResponse(raw []byte) (*gateway.PayoutResult, error) {
	return gateway.ParsePayoutResponse(raw)
}

func (g *fakeGateway) GetPayoutStatus(_ context.Context, _ string) (*gateway.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	return g.status, g.statusErr
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

func newTestDisburse(t *testing.T, store *fakeStore, gw *fakeGateway) *Disburse {
	t.Helper()
	return &Disburse{
		datasource:     store,
		gateway:        gw,
		locker:         store,
		metrics:        metrics.NewCollector(nil),
		retry:          NoDelayRetryPolicy(3),
		currency:       "USD",
		lockTTL:        2 * time.Minute,
		reconcileDelay: time.Minute,
		now:            func() time.Time { return testNow },
	}
}

func twoRecipients() []model.Recipient {
	return []model.Recipient{
		{CycleWinnerSelectionID: 101, UserID: 1, PaypalEmail: "a@example.com", Amount: 5000, Currency: "USD"},
		{CycleWinnerSelectionID: 102, UserID: 2, PaypalEmail: "b@example.com", Amount: 3000, Currency: "USD"},
	}
}

func cycle18Context() model.TransactionContext {
	return model.TransactionContext{
		CycleSettingID: 18,
		AdminID:        7,
		TotalAmount:    8000,
		Recipients:     twoRecipients(),
	}
}

func seedCycle18(store *fakeStore) {
	store.addCycle(18, model.CycleStatusActive)
	store.addWinner(101, 18, 1, "a@example.com", "50.00")
	store.addWinner(102, 18, 2, "b@example.com", "30.00")
}
