// Package session wires the fetcher, the event channel and the stores into one sync session.
//
// Every store write runs on the session loop goroutine. Network calls run on the caller's
// goroutine and hand their results to the loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/internal/channel"
	"tasksync/internal/credential"
	"tasksync/internal/domain"
	"tasksync/internal/store"
	"tasksync/internal/view"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Fetcher is the REST surface the session needs.
type Fetcher interface {
	ListTasks(ctx context.Context, filter domain.TaskFilter, order domain.SortOrder) ([]domain.Task, error)
	CreateTask(ctx context.Context, in domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id, requesterID string) error
	ListUsers(ctx context.Context) ([]domain.User, error)
	FetchUser(ctx context.Context, id string) (domain.User, error)
	ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error)
}

// Warning reports a non-fatal failure: a failed read, a dropped connection or a lost broadcast.
type Warning struct {
	Op  string
	Err error
	At  time.Time
}

func (w Warning) Error() string { return fmt.Sprintf("%s: %v", w.Op, w.Err) }

type Options struct {
	Fetcher     Fetcher
	Channel     *channel.Channel
	Credentials *credential.Context
	Criteria    view.Criteria
	Order       domain.SortOrder
	Logger      log.FieldLogger
}

type Session struct {
	fetch Fetcher
	ch    *channel.Channel
	creds *credential.Context
	log   log.FieldLogger

	Tasks         *store.Tasks
	Notifications *store.Notifications
	Directory     *store.Directory
	Activity      *store.Activity

	ops      chan func()
	stop     chan struct{}
	done     chan struct{}
	warnings chan Warning
	changes  chan struct{}

	mu       sync.Mutex
	criteria view.Criteria
	order    domain.SortOrder
	gen      uint64
	noteGen  uint64
	subs     []*channel.Subscription
	started  bool
	runStop  context.CancelFunc
	runDone  chan struct{}

	closeOnce sync.Once
}

func New(opts Options) (*Session, error) {
	if opts.Fetcher == nil || opts.Channel == nil || opts.Credentials == nil {
		return nil, errors.New("session needs a fetcher, a channel and credentials")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	order := opts.Order
	if order == "" {
		order = domain.SortAsc
	}
	ident := opts.Credentials.Identity()
	return &Session{
		fetch:         opts.Fetcher,
		ch:            opts.Channel,
		creds:         opts.Credentials,
		log:           logger.WithFields(log.Fields{"component": "session", "user": ident.ID}),
		Tasks:         store.NewTasks(),
		Notifications: store.NewNotifications(ident.ID),
		Directory:     store.NewDirectory(),
		Activity:      store.NewActivity(),
		ops:           make(chan func()),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		warnings:      make(chan Warning, 32),
		changes:       make(chan struct{}, 1),
		criteria:      opts.Criteria,
		order:         order,
	}, nil
}

// Identity is the principal this session acts as.
func (s *Session) Identity() domain.Identity { return s.creds.Identity() }

// Warnings streams non-fatal failures. Warnings are dropped when nobody reads them.
func (s *Session) Warnings() <-chan Warning { return s.warnings }

// Changes signals, coalesced, that some store changed.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Start resolves the identity, subscribes to the channel, connects it in the background
// and performs the initial fetch. The returned error is the initial fetch's.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.loop()

	if !s.creds.Complete() {
		ident := s.creds.Identity()
		u, err := s.fetch.FetchUser(ctx, ident.ID)
		if err != nil {
			s.warn("resolve identity", err)
		} else {
			s.creds.Resolve(u)
			s.log.WithField("role", s.creds.Identity().Role).Debug("identity resolved")
		}
	}

	s.subscribe()
	s.ch.OnReconnect(func(ctx context.Context) {
		go func() {
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
				s.log.WithError(err).Warn("refetch after reconnect failed")
			}
		}()
	})
	s.ch.OnDisconnect(func(err error) { s.warn("channel", err) })

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	s.mu.Lock()
	s.runStop = cancel
	s.runDone = runDone
	s.mu.Unlock()
	go func() {
		defer close(runDone)
		if err := s.ch.Run(runCtx); err != nil {
			s.warn("channel", err)
		}
	}()

	return s.Refresh(ctx)
}

func (s *Session) subscribe() {
	subs := []*channel.Subscription{
		s.ch.Subscribe(domain.EventTaskCreated, s.onTask),
		s.ch.Subscribe(domain.EventTaskUpdated, s.onTask),
		s.ch.Subscribe(domain.EventTaskDeleted, s.onTaskDeleted),
		s.ch.Subscribe(domain.EventNotificationNew, s.onNotifications),
		s.ch.Subscribe(domain.EventActivityLogs, s.onActivity),
	}
	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
}

// Close releases every subscription, stops the loop and the channel. Results of
// in-flight fetches are discarded afterwards.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		stopRun, runDone, started := s.runStop, s.runDone, s.started
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		close(s.stop)
		if stopRun != nil {
			stopRun()
		}
		err = s.ch.Close()
		if runDone != nil {
			<-runDone
		}
		if started {
			<-s.done
		}
		s.log.Debug("session closed")
	})
	return err
}

func (s *Session) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			op()
			s.changed()
		case <-s.stop:
			return
		}
	}
}

// apply runs fn on the loop and waits for it. It fails with ErrClosed once the session is closed.
func (s *Session) apply(ctx context.Context, fn func()) error {
	if s.closed() {
		return ErrClosed
	}
	ran := make(chan struct{})
	op := func() {
		fn()
		close(ran)
	}
	select {
	case s.ops <- op:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-s.stop:
		return ErrClosed
	}
}

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) warn(op string, err error) {
	w := Warning{Op: op, Err: err, At: time.Now().UTC()}
	s.log.WithError(err).WithField("op", op).Warn("sync warning")
	select {
	case s.warnings <- w:
	default:
	}
}

// Criteria returns the active filter and sort direction.
func (s *Session) Criteria() (view.Criteria, domain.SortOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.criteria, s.order
}

// Projection computes the current active and completed lists.
func (s *Session) Projection() view.Partition {
	c, order := s.Criteria()
	return view.Split(s.Tasks.View(c.Match, view.Less(order)))
}

func (s *Session) UnreadCount() int { return s.Notifications.UnreadCount() }
