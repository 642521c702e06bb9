package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/smartgate/gate-server-go/internal/errors"
	"github.com/smartgate/gate-server-go/internal/metrics"
	"github.com/smartgate/gate-server-go/internal/model"
	redisclient "github.com/smartgate/gate-server-go/internal/redis"
	"github.com/smartgate/gate-server-go/internal/switchbot"
	"github.com/smartgate/gate-server-go/internal/util"
)

// CachedIssuance is an issued outcome bound to the request that produced it
type CachedIssuance struct {
	Fingerprint string                `json:"fingerprint"`
	Outcome     model.IssuanceOutcome `json:"outcome"`
}

// IdempotencyStore persists issued outcomes by idempotency key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*CachedIssuance, error)
	Set(ctx context.Context, key string, entry CachedIssuance) error
}

type redisIdempotencyStore struct {
	client        *redis.Client
	ttl           time.Duration
	encryptionKey string
}

// NewRedisIdempotencyStore stores entries under a hash of the key. When
// encryptionKey is set the payload, which carries a live code, is sealed with AES-GCM.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration, encryptionKey string) IdempotencyStore {
	return &redisIdempotencyStore{client: client, ttl: ttl, encryptionKey: encryptionKey}
}

func (s *redisIdempotencyStore) Get(ctx context.Context, key string) (*CachedIssuance, error) {
	raw, err := s.client.Get(ctx, redisclient.IssuanceKey(util.HashKey(key))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency entry: %w", err)
	}

	if s.encryptionKey != "" {
		raw, err = util.Decrypt(s.encryptionKey, raw)
		if err != nil {
			return nil, fmt.Errorf("decrypt idempotency entry: %w", err)
		}
	}

	var entry CachedIssuance
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &entry, nil
}

func (s *redisIdempotencyStore) Set(ctx context.Context, key string, entry CachedIssuance) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}

	payload := string(data)
	if s.encryptionKey != "" {
		payload, err = util.Encrypt(s.encryptionKey, payload)
		if err != nil {
			return fmt.Errorf("encrypt idempotency entry: %w", err)
		}
	}

	return s.client.Set(ctx, redisclient.IssuanceKey(util.HashKey(key)), payload, s.ttl).Err()
}

// IdempotentIssuer lets a visitor retry a submission with the same
// Idempotency-Key and get back the code that was already programmed, instead
// of creating a second one. Only Issued outcomes are remembered, so a retry
// after a rejection or remote failure runs the full flow again.
type IdempotentIssuer struct {
	issuer  Issuer
	store   IdempotencyStore
	group   singleflight.Group
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewIdempotentIssuer wraps issuer with a replay cache. timeout bounds a
// coalesced issuance, which outlives the request that started it.
func NewIdempotentIssuer(issuer Issuer, store IdempotencyStore, timeout time.Duration, m *metrics.Metrics) *IdempotentIssuer {
	if timeout <= 0 {
		timeout = switchbot.DefaultTimeout
	}
	return &IdempotentIssuer{issuer: issuer, store: store, timeout: timeout, metrics: m}
}

// Issue runs the wrapped issuer at most once per key while an entry is cached.
// replayed is true when the outcome came from the cache. Store failures are
// logged and the submission proceeds uncached.
//
// Concurrent calls with one key share a single issuance, but only callers
// whose submission matches the one being issued receive its outcome. A caller
// whose ctx ends stops waiting without cancelling the shared call.
func (s *IdempotentIssuer) Issue(
	ctx context.Context,
	key string,
	req model.IssuanceRequest,
	answers model.AnswerSet,
) (outcome model.IssuanceOutcome, replayed bool, err error) {
	if key == "" {
		outcome, err = s.issuer.Issue(ctx, req, answers)
		return outcome, false, err
	}

	fingerprint := RequestFingerprint(req)

	cached, err := s.store.Get(ctx, key)
	if err != nil {
		s.storeFailed(err, "read")
	} else if cached != nil {
		if cached.Fingerprint != fingerprint {
			return model.IssuanceOutcome{}, false, errKeyReused()
		}
		if s.metrics != nil {
			s.metrics.IdempotentReplays.Inc()
		}
		log.Info().Str("code", util.MaskCode(cached.Outcome.Code.String())).Msg("replaying issued code")
		return cached.Outcome, true, nil
	}

	ch := s.group.DoChan(util.HashKey(key), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		entry := CachedIssuance{Fingerprint: fingerprint}
		outcome, err := s.issuer.Issue(callCtx, req, answers)
		if err != nil {
			return entry, err
		}
		entry.Outcome = outcome
		if outcome.IsIssued() {
			if err := s.store.Set(callCtx, key, entry); err != nil {
				s.storeFailed(err, "write")
			}
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return model.IssuanceOutcome{}, false, ctx.Err()
	case res := <-ch:
		entry := res.Val.(CachedIssuance)
		if entry.Fingerprint != fingerprint {
			return model.IssuanceOutcome{}, false, errKeyReused()
		}
		if res.Err != nil {
			return model.IssuanceOutcome{}, false, res.Err
		}
		return entry.Outcome, false, nil
	}
}

func errKeyReused() error {
	return apperrors.InvalidInput("Idempotency-Key", "was already used for a different submission")
}

func (s *IdempotentIssuer) storeFailed(err error, op string) {
	if s.metrics != nil {
		s.metrics.IdempotencyErrors.Inc()
	}
	log.Warn().Err(err).Str("op", op).Msg("idempotency store unavailable")
}

// RequestFingerprint hashes everything a visitor submitted, answers included,
// so a key cannot be replayed to obtain a code with different answers.
func RequestFingerprint(req model.IssuanceRequest) string {
	ids := make([]string, 0, len(req.SubmittedAnswers))
	for id := range req.SubmittedAnswers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.DisplayName))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(req.RequestedHours))
	for _, id := range ids {
		b.WriteByte(0)
		b.WriteString(id)
		b.WriteByte('=')
		b.WriteString(req.SubmittedAnswers[id])
	}
	return util.HashKey(b.String())
}
