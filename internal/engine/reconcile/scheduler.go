package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"seatguard/internal/platform/models"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultStagger      = 5 * time.Second
	DefaultRefreshPause = time.Second
)

// Sink receives account deltas for one subscriber. A send error means the
// subscriber is gone; the scheduler drops all of its accounts.
type Sink interface {
	SendUpdate(account *models.Account, outcome *Outcome) error
	SendError(accountID, message string) error
}

// AccountSource is the slice of the account repository the scheduler needs.
type AccountSource interface {
	GetByID(id string) (*models.Account, error)
	ListAllByUser(userID string) ([]*models.Account, error)
}

// Scheduler owns one cancellable timer per tracked account. First runs are
// staggered across a subscriber's accounts so N accounts do not hit the
// upstream API at once; each run re-arms itself at a fixed interval while the
// subscriber is still attached.
type Scheduler struct {
	rec          *Reconciler
	accounts     AccountSource
	interval     time.Duration
	stagger      time.Duration
	refreshPause time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer          // account ID -> pending timer
	owner  map[string]string               // account ID -> subscriber
	owned  map[string]map[string]struct{}  // subscriber -> account IDs
	sinks  map[string]Sink                 // subscriber -> delivery channel
	locks  map[string]*sync.Mutex          // account ID -> run serialization
}

func NewScheduler(rec *Reconciler, accounts AccountSource, interval, stagger, refreshPause time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if stagger <= 0 {
		stagger = DefaultStagger
	}
	if refreshPause <= 0 {
		refreshPause = DefaultRefreshPause
	}
	return &Scheduler{
		rec:          rec,
		accounts:     accounts,
		interval:     interval,
		stagger:      stagger,
		refreshPause: refreshPause,
		timers:       make(map[string]*time.Timer),
		owner:        make(map[string]string),
		owned:        make(map[string]map[string]struct{}),
		sinks:        make(map[string]Sink),
		locks:        make(map[string]*sync.Mutex),
	}
}

// Subscribe registers a sink for userID and schedules a staggered first run
// for every account the user owns. The Nth account's first run happens no
// earlier than (N-1) x stagger after subscribing. A re-subscribe replaces the
// previous sink.
func (s *Scheduler) Subscribe(userID string, sink Sink) error {
	accounts, err := s.accounts.ListAllByUser(userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sinks[userID] = sink
	if s.owned[userID] == nil {
		s.owned[userID] = make(map[string]struct{})
	}
	s.mu.Unlock()

	for i, account := range accounts {
		s.schedule(userID, account.ID, time.Duration(i)*s.stagger)
	}

	log.Info().Str("user_id", userID).Int("accounts", len(accounts)).Msg("subscriber attached, reconciliation scheduled")
	return nil
}

// Track starts reconciling a newly created account for an already-attached
// subscriber. No-op if the user has no sink.
func (s *Scheduler) Track(userID, accountID string) {
	s.mu.Lock()
	_, attached := s.sinks[userID]
	s.mu.Unlock()
	if !attached {
		return
	}
	s.schedule(userID, accountID, s.stagger)
}

// Unsubscribe detaches the sink and cancels every pending timer owned by the
// subscriber.
func (s *Scheduler) Unsubscribe(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sinks, userID)
	for accountID := range s.owned[userID] {
		if timer := s.timers[accountID]; timer != nil {
			timer.Stop()
		}
		delete(s.timers, accountID)
		delete(s.owner, accountID)
	}
	delete(s.owned, userID)
}

// Cancel drops one account from tracking, for account deletion. The deleted
// account's pending timer is stopped; an in-flight run detects the deletion
// when it reloads the record.
func (s *Scheduler) Cancel(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(accountID)
}

func (s *Scheduler) cancelLocked(accountID string) {
	if timer := s.timers[accountID]; timer != nil {
		timer.Stop()
	}
	delete(s.timers, accountID)
	if userID, ok := s.owner[accountID]; ok {
		delete(s.owned[userID], accountID)
	}
	delete(s.owner, accountID)
	delete(s.locks, accountID)
}

// RefreshAll reconciles every account of the subscriber immediately and
// sequentially, pausing between accounts to avoid a correlated burst.
// Standing per-account timers are left alone: the periodic tick is the
// convergence guarantee and a manual poke must not defer it.
func (s *Scheduler) RefreshAll(ctx context.Context, userID string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.owned[userID]))
	for accountID := range s.owned[userID] {
		ids = append(ids, accountID)
	}
	s.mu.Unlock()

	for i, accountID := range ids {
		s.runOnce(ctx, userID, accountID)
		if i < len(ids)-1 {
			select {
			case <-time.After(s.refreshPause):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) schedule(userID, accountID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer := s.timers[accountID]; timer != nil {
		timer.Stop()
	}
	s.owner[accountID] = userID
	if s.owned[userID] == nil {
		s.owned[userID] = make(map[string]struct{})
	}
	s.owned[userID][accountID] = struct{}{}
	if s.locks[accountID] == nil {
		s.locks[accountID] = &sync.Mutex{}
	}

	s.timers[accountID] = time.AfterFunc(delay, func() {
		s.tick(userID, accountID)
	})
}

// tick is one scheduled run: execute, then re-arm only if the subscriber's
// sink is still attached. Runs for the same account never overlap; the timer
// is consumed before the run and only re-armed after it completes.
func (s *Scheduler) tick(userID, accountID string) {
	s.mu.Lock()
	delete(s.timers, accountID)
	_, attached := s.sinks[userID]
	s.mu.Unlock()

	if !attached {
		s.Cancel(accountID)
		return
	}

	alive := s.runOnce(context.Background(), userID, accountID)
	if !alive {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, stillAttached := s.sinks[userID]; !stillAttached {
		s.cancelLocked(accountID)
		return
	}
	if _, tracked := s.owner[accountID]; !tracked {
		return
	}
	s.timers[accountID] = time.AfterFunc(s.interval, func() {
		s.tick(userID, accountID)
	})
}

// runOnce loads, reconciles and delivers one account. Returns false when the
// account or the subscriber is gone and tracking was dropped.
func (s *Scheduler) runOnce(ctx context.Context, userID, accountID string) bool {
	s.mu.Lock()
	lock := s.locks[accountID]
	sink := s.sinks[userID]
	s.mu.Unlock()

	if sink == nil {
		return false
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}

	lock.Lock()
	defer lock.Unlock()

	account, err := s.accounts.GetByID(accountID)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("failed to load account for reconciliation")
		return true
	}
	if account == nil {
		// Deleted since scheduling; drop it.
		s.Cancel(accountID)
		return false
	}

	outcome := s.rec.Run(ctx, account)
	outcome.NextRun = s.interval

	var sendErr error
	if outcome.Success {
		sendErr = sink.SendUpdate(account, outcome)
	} else {
		if err := sink.SendError(account.ID, outcome.Error); err != nil {
			sendErr = err
		}
	}
	if sendErr != nil {
		log.Debug().Err(sendErr).Str("user_id", userID).Msg("subscriber channel closed, dropping subscription")
		s.Unsubscribe(userID)
		return false
	}
	return true
}
