package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead             = time.Minute * 5
	defaultPreCheckAttempts = 30
	defaultPreCheckInterval = time.Second * 10

	// idleWait parks the timer while no schedule is set.
	idleWait = time.Hour * 10000
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression or descriptor such as "@daily".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sh, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sh, nil
}

// NextRuns returns the next n activation times of sh after from.
func NextRuns(sh cron.Schedule, from time.Time, n int) []time.Time {
	runs := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		from = sh.Next(from)
		runs = append(runs, from)
	}
	return runs
}

// RunScheduler starts cycling runs on a cron schedule. Upcoming runs are
// announced Lead ahead of time, and a run is only started once PreCheck
// passes, retried every PreCheckInterval up to PreCheckAttempts times.
type RunScheduler struct {
	OnUpcoming func(runAt time.Time)
	OnError    func(err error)
	Start      func() error
	PreCheck   func() error

	Lead             time.Duration
	PreCheckAttempts int
	PreCheckInterval time.Duration

	mu       sync.Mutex
	schedule cron.Schedule
	expr     string
	nextRun  time.Time
	running  bool

	controlCh chan controlMsg
	stopCh    chan struct{}
}

type controlKind int

const (
	ctrlReschedule controlKind = iota
	ctrlPostpone
	ctrlSkip
)

type controlMsg struct {
	kind controlKind
	at   time.Time
}

// NewRunScheduler returns a stopped scheduler that calls start on every
// activation.
func NewRunScheduler(start, preCheck func() error) *RunScheduler {
	if start == nil {
		panic("start function cannot be nil")
	}

	return &RunScheduler{
		Start:            start,
		PreCheck:         preCheck,
		Lead:             defaultLead,
		PreCheckAttempts: defaultPreCheckAttempts,
		PreCheckInterval: defaultPreCheckInterval,
		controlCh:        make(chan controlMsg, 4),
		stopCh:           make(chan struct{}),
	}
}

// Run starts the timer goroutine. It is a no-op when already running.
func (s *RunScheduler) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	select {
	case <-s.stopCh:
		s.stopCh = make(chan struct{})
	default:
	}
	s.running = true
	go s.loop(s.stopCh)
}

// Stop stops the timer goroutine. The schedule is kept.
func (s *RunScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Schedule replaces the cron expression. An empty expression clears it.
func (s *RunScheduler) Schedule(expr string) error {
	if expr == "" {
		s.mu.Lock()
		s.schedule, s.expr, s.nextRun = nil, "", time.Time{}
		running := s.running
		s.mu.Unlock()
		if running {
			s.trySendControl(controlMsg{kind: ctrlReschedule})
		}
		return nil
	}

	sh, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.schedule, s.expr = sh, expr
	s.nextRun = sh.Next(time.Now())
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(controlMsg{kind: ctrlReschedule})
	}
	return nil
}

// Postpone delays the next run by d. The postponed run must still come
// before the one after it.
func (s *RunScheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() || !s.running {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to postpone")
	}
	following := s.schedule.Next(s.nextRun).Truncate(time.Second)
	pp := s.nextRun.Add(d).Truncate(time.Second)
	if pp.Compare(following) >= 0 {
		s.mu.Unlock()
		return fmt.Errorf("postpone duration too long, next run is at %s", following.Format(time.DateTime))
	}
	s.nextRun = pp
	s.mu.Unlock()

	s.trySendControl(controlMsg{kind: ctrlPostpone, at: pp})
	return nil
}

// Skip drops the next run.
func (s *RunScheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(controlMsg{kind: ctrlSkip})
	}
	return nil
}

// Status returns the next activation, the expression and whether the
// timer goroutine is running.
func (s *RunScheduler) Status() (nextRun time.Time, expr string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun, s.expr, s.running
}

func (s *RunScheduler) loop(stopCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("run scheduler stopped")
	}()
	logrus.Debug("run scheduler started")

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		nextRun := s.next()
		announced := false
		attempts := 0
		var lastPreCheckErr error

		resetTimer(timer, s.untilLead(nextRun))

	wait:
		for {
			select {
			case <-stopCh:
				return
			case msg := <-s.controlCh:
				logrus.WithField("kind", msg.kind).Debug("run scheduler control message")
				switch msg.kind {
				case ctrlPostpone:
					nextRun = msg.at
					resetTimer(timer, time.Until(nextRun))
					continue
				default:
					break wait
				}
			case <-timer.C:
				if nextRun.IsZero() {
					break wait
				}

				if !announced {
					announced = true
					logrus.Debugf("upcoming scheduled run at %s", nextRun.Format(time.DateTime))
					if s.OnUpcoming != nil {
						go s.OnUpcoming(nextRun)
					}
					resetTimer(timer, time.Until(nextRun))
					continue
				}

				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						if lastPreCheckErr == nil || err.Error() != lastPreCheckErr.Error() {
							s.notifyError(fmt.Errorf("precheck failed: %w", err))
						}
						lastPreCheckErr = err

						attempts++
						if attempts <= s.PreCheckAttempts {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, s.PreCheckAttempts, err, s.PreCheckInterval)
							resetTimer(timer, s.PreCheckInterval)
							continue
						}
						logrus.WithError(err).Warn("scheduled run abandoned")
						s.advance()
						break wait
					}
				}

				logrus.Infof("starting scheduled run planned for %s", nextRun.Format(time.DateTime))
				go func() {
					if err := s.Start(); err != nil {
						s.notifyError(fmt.Errorf("scheduled run failed to start: %w", err))
					}
				}()
				s.advance()
				break wait
			}
		}
	}
}

func (s *RunScheduler) next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *RunScheduler) untilLead(nextRun time.Time) time.Duration {
	if nextRun.IsZero() {
		return idleWait
	}
	return max(time.Until(nextRun)-s.Lead, 0)
}

func (s *RunScheduler) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(time.Now())
}

func (s *RunScheduler) notifyError(err error) {
	if s.OnError == nil {
		return
	}
	go s.OnError(err)
}

func (s *RunScheduler) trySendControl(msg controlMsg) {
	select {
	case s.controlCh <- msg:
	default:
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
