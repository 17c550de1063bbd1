package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pavillion/internal/domain"
	"pavillion/internal/netguard"
	"pavillion/internal/repo"
)

var (
	ErrActorExists  = errors.New("actor already exists")
	ErrInvalidInput = errors.New("invalid input")
)

// Config configures a Store.
type Config struct {
	// Domain is the public host local actor URIs are minted under.
	Domain string
	// KeygenWorkers bounds concurrent RSA key generation.
	KeygenWorkers int
	KeyBits       int
	Logger        *slog.Logger
	Guard         *netguard.Guard
	FetchTimeout  time.Duration
	UserAgent     string
	// Scheme used for WebFinger lookups. Defaults to https.
	Scheme string
}

// Store owns actor keypairs and resolves actor URIs, local and remote.
type Store struct {
	Repo   repo.Repo
	Domain string
	Logger *slog.Logger
	Now    func() time.Time

	keyBits int
	keygen  *semaphore.Weighted
	workers int
	fetcher *fetcher

	refreshMu   sync.Mutex
	refreshedAt map[string]time.Time
}

func New(r repo.Repo, cfg Config) *Store {
	workers := cfg.KeygenWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Store{
		Repo:    r,
		Domain:  cfg.Domain,
		Logger:  cfg.Logger,
		Now:     time.Now,
		keyBits: cfg.KeyBits,
		keygen:  semaphore.NewWeighted(int64(workers)),
		workers: workers,
		fetcher: newFetcher(cfg),
	}
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// generate runs RSA key generation on the bounded worker pool so request
// goroutines cannot saturate every CPU with keygen.
func (s *Store) generate(ctx context.Context) (string, string, error) {
	if err := s.keygen.Acquire(ctx, 1); err != nil {
		return "", "", err
	}
	defer s.keygen.Release(1)
	return generateKeyPair(s.keyBits)
}

// CreateActor returns the actor of account, creating it with a fresh keypair
// on first use.
func (s *Store) CreateActor(ctx context.Context, account domain.Account) (domain.Actor, error) {
	a, _, err := s.createAccountActor(ctx, account)
	return a, err
}

// CreateActorStrict is CreateActor for callers that require the actor not to
// exist yet.
func (s *Store) CreateActorStrict(ctx context.Context, account domain.Account) (domain.Actor, error) {
	a, created, err := s.createAccountActor(ctx, account)
	if err != nil {
		return domain.Actor{}, err
	}
	if !created {
		return a, ErrActorExists
	}
	return a, nil
}

func (s *Store) createAccountActor(ctx context.Context, account domain.Account) (domain.Actor, bool, error) {
	if account.ID == "" || account.Username == "" {
		return domain.Actor{}, false, fmt.Errorf("%w: account id and username required", ErrInvalidInput)
	}
	if s.Domain == "" {
		return domain.Actor{}, false, fmt.Errorf("%w: federation domain not configured", ErrInvalidInput)
	}
	existing, err := s.Repo.GetActorByAccountID(ctx, account.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, false, err
	}
	pub, priv, err := s.generate(ctx)
	if err != nil {
		return domain.Actor{}, false, err
	}
	a := domain.Actor{
		ID:            uuid.NewString(),
		Kind:          domain.ActorLocal,
		AccountID:     account.ID,
		ActorURI:      domain.UserActorURL(s.Domain, account.Username),
		Username:      account.Username,
		PublicKeyPEM:  pub,
		PrivateKeyPEM: priv,
		CreatedAt:     s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertActor(ctx, nil, a); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			existing, lookupErr := s.Repo.GetActorByAccountID(ctx, account.ID)
			if lookupErr == nil {
				return existing, false, nil
			}
			return domain.Actor{}, false, fmt.Errorf("actor uri %s already taken: %w", a.ActorURI, ErrActorExists)
		}
		return domain.Actor{}, false, fmt.Errorf("insert actor: %w", err)
	}
	s.logger().Info("created local actor", "actor_uri", a.ActorURI, "account_id", account.ID)
	return a, true, nil
}

// CreateCalendarActor returns the actor of a calendar, creating it on first use.
func (s *Store) CreateCalendarActor(ctx context.Context, cal domain.Calendar) (domain.Actor, error) {
	if cal.ID == "" || cal.URLName == "" {
		return domain.Actor{}, fmt.Errorf("%w: calendar id and url_name required", ErrInvalidInput)
	}
	if s.Domain == "" {
		return domain.Actor{}, fmt.Errorf("%w: federation domain not configured", ErrInvalidInput)
	}
	existing, err := s.Repo.GetActorByCalendarID(ctx, cal.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, err
	}
	pub, priv, err := s.generate(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	a := domain.Actor{
		ID:            uuid.NewString(),
		Kind:          domain.ActorLocal,
		CalendarID:    cal.ID,
		ActorURI:      domain.CalendarActorURL(s.Domain, cal.URLName),
		Username:      cal.URLName,
		PublicKeyPEM:  pub,
		PrivateKeyPEM: priv,
		CreatedAt:     s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertActor(ctx, nil, a); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return s.Repo.GetActorByCalendarID(ctx, cal.ID)
		}
		return domain.Actor{}, fmt.Errorf("insert calendar actor: %w", err)
	}
	s.logger().Info("created calendar actor", "actor_uri", a.ActorURI, "calendar_id", cal.ID)
	return a, nil
}

// CreateActors creates actors for many accounts in the background pool. It
// is meant for batch activation, not request handling.
func (s *Store) CreateActors(ctx context.Context, accounts []domain.Account) ([]domain.Actor, error) {
	out := make([]domain.Actor, len(accounts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, acct := range accounts {
		g.Go(func() error {
			a, err := s.CreateActor(ctx, acct)
			if err != nil {
				return fmt.Errorf("account %s: %w", acct.ID, err)
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func found(a domain.Actor, err error) (*domain.Actor, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActorByUsername returns the local user actor or nil.
func (s *Store) GetActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return found(s.Repo.GetActorByUsername(ctx, username))
}

func (s *Store) GetActorByAccountID(ctx context.Context, accountID string) (*domain.Actor, error) {
	return found(s.Repo.GetActorByAccountID(ctx, accountID))
}

func (s *Store) GetActorByCalendarID(ctx context.Context, calendarID string) (*domain.Actor, error) {
	return found(s.Repo.GetActorByCalendarID(ctx, calendarID))
}

func (s *Store) GetActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return found(s.Repo.GetActorByURI(ctx, uri))
}
