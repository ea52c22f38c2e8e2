package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// IdentityHints carries the directory attributes exported for a source user,
// used to locate the matching account in the target tenant.
type IdentityHints struct {
	PrincipalName string `json:"userPrincipalName,omitempty"`
	Mail          string `json:"mail,omitempty"`
}

// IdentityStats summarizes resolver activity for the end-of-run report.
type IdentityStats struct {
	Lookups      int     `json:"lookups"`
	CacheHits    int     `json:"cacheHits"`
	CacheMisses  int     `json:"cacheMisses"`
	Resolved     int     `json:"resolved"`
	Unresolved   int     `json:"unresolved"`
	HitRate      float64 `json:"hitRate"`
	CallsAvoided int     `json:"callsAvoided"`
}

// remoteChainLength is how many target-directory lookups a full resolution
// chain performs (principal name, mail, raw id). Each cache hit is assumed
// to have avoided that many external calls.
const remoteChainLength = 3

type identityOutcome struct {
	targetID string
	resolved bool
}

type IdentityResolverOptions struct {
	Executor *Executor
	// Mapping is the explicit source-to-target table. It always wins, even
	// when a directory lookup would also succeed.
	Mapping map[string]string
	Logf    func(format string, args ...any)
}

// IdentityResolver maps source-tenant user ids to target-tenant ids. Results
// are memoized for the lifetime of the run; an unresolved outcome is cached
// too, so a user that failed every strategy is never looked up twice.
type IdentityResolver struct {
	executor *Executor
	mapping  map[string]string
	logf     func(format string, args ...any)

	mu    sync.Mutex
	cache map[string]identityOutcome
	stats IdentityStats
}

func NewIdentityResolver(opts IdentityResolverOptions) *IdentityResolver {
	mapping := make(map[string]string, len(opts.Mapping))
	for source, target := range opts.Mapping {
		source = strings.TrimSpace(source)
		target = strings.TrimSpace(target)
		if source != "" && target != "" {
			mapping[source] = target
		}
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &IdentityResolver{
		executor: opts.Executor,
		mapping:  mapping,
		logf:     logf,
		cache:    make(map[string]identityOutcome),
	}
}

// Resolve returns the target-tenant id for a source user, or
// ErrIdentityUnresolved once every strategy has been exhausted. Unresolved is
// a normal outcome, not a fault; the caller decides whether to skip or abort.
func (r *IdentityResolver) Resolve(ctx context.Context, sourceUserID string, hints IdentityHints) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: identity resolver is nil", ErrInvalidInput)
	}
	sourceUserID = strings.TrimSpace(sourceUserID)
	if sourceUserID == "" {
		return "", fmt.Errorf("%w: source user id is empty", ErrInvalidInput)
	}

	r.mu.Lock()
	r.stats.Lookups++
	if outcome, ok := r.cache[sourceUserID]; ok {
		r.stats.CacheHits++
		r.mu.Unlock()
		if !outcome.resolved {
			return "", fmt.Errorf("%w: %s", ErrIdentityUnresolved, sourceUserID)
		}
		return outcome.targetID, nil
	}
	r.stats.CacheMisses++
	r.mu.Unlock()

	targetID, resolved := r.resolveUncached(ctx, sourceUserID, hints)

	r.mu.Lock()
	r.cache[sourceUserID] = identityOutcome{targetID: targetID, resolved: resolved}
	if resolved {
		r.stats.Resolved++
	} else {
		r.stats.Unresolved++
	}
	r.mu.Unlock()

	if !resolved {
		return "", fmt.Errorf("%w: %s", ErrIdentityUnresolved, sourceUserID)
	}
	return targetID, nil
}

func (r *IdentityResolver) resolveUncached(ctx context.Context, sourceUserID string, hints IdentityHints) (string, bool) {
	if target, ok := r.mapping[sourceUserID]; ok {
		return target, true
	}

	principal := strings.TrimSpace(hints.PrincipalName)
	mail := strings.TrimSpace(hints.Mail)

	candidates := make([]string, 0, 3)
	if principal != "" {
		candidates = append(candidates, principal)
	}
	if mail != "" && !strings.EqualFold(mail, principal) {
		candidates = append(candidates, mail)
	}
	candidates = append(candidates, sourceUserID)

	for _, candidate := range candidates {
		targetID, found, err := r.lookupUser(ctx, candidate)
		if err != nil {
			r.logf("identity lookup failed user=%s candidate=%s error=%v", sourceUserID, candidate, err)
			continue
		}
		if found {
			return targetID, true
		}
	}
	return "", false
}

// lookupUser asks the target directory for one candidate identifier. A 404 is
// a clean miss; any other failure is reported so it stays diagnosable.
func (r *IdentityResolver) lookupUser(ctx context.Context, candidate string) (string, bool, error) {
	if r.executor == nil {
		return "", false, fmt.Errorf("%w: identity resolver requires an executor", ErrInvalidInput)
	}
	result, err := r.executor.Do(ctx, Operation{
		Method: http.MethodGet,
		Path:   "/v1.0/users/" + url.PathEscape(candidate),
	})
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(result.Body, &user); err != nil {
		return "", false, err
	}
	if strings.TrimSpace(user.ID) == "" {
		return "", false, nil
	}
	return user.ID, true, nil
}

// Stats returns a snapshot of resolver counters with derived rates filled in.
func (r *IdentityResolver) Stats() IdentityStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	if stats.Lookups > 0 {
		stats.HitRate = float64(stats.CacheHits) / float64(stats.Lookups)
	}
	stats.CallsAvoided = stats.CacheHits * remoteChainLength
	return stats
}
