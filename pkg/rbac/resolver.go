package rbac

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/platinummonkey/warden/pkg/errors"
)

var resolverTracer = otel.Tracer("warden/rbac/resolver")

// Checker answers authorization questions for a user. Any returned error
// must be treated as a denial.
type Checker interface {
	// Resolve returns the user's effective permission set
	Resolve(ctx context.Context, userID int64) (*EffectivePermissionSet, error)

	// HasPermission reports whether the user holds key
	HasPermission(ctx context.Context, userID int64, key string) (bool, error)

	// HasModuleAccess reports whether the user holds any permission in module
	HasModuleAccess(ctx context.Context, userID int64, module string) (bool, error)
}

// Invalidator drops cached authorization state after a mutation
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64)
	InvalidateAll(ctx context.Context)
}

// bypassRetryInterval bounds how often a failed purge is retried
const bypassRetryInterval = time.Second

// Resolver computes effective permission sets and owns their cache.
//
// Every invalidation bumps version under mu. A resolve only writes its
// result to the cache if version is unchanged since before its store read,
// so a set computed from pre-mutation data can never outlive the mutation's
// invalidation.
type Resolver struct {
	store           RoleReader
	cache           PermissionCache
	superAdminLevel int
	log             *logrus.Entry
	observer        Observer
	now             func() time.Time

	mu      sync.RWMutex
	version atomic.Uint64
	group   singleflight.Group

	// bypass is set when the cache could not be cleared; reads skip the
	// cache until a purge succeeds.
	bypass      atomic.Bool
	lastRecover atomic.Int64
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithSuperAdminLevel sets the level at which roles bypass permission checks
func WithSuperAdminLevel(level int) ResolverOption {
	return func(r *Resolver) { r.superAdminLevel = level }
}

// WithLogger sets the resolver logger
func WithLogger(log *logrus.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.log = log.WithField("component", "rbac.resolver")
		}
	}
}

// WithObserver sets the telemetry sink
func WithObserver(o Observer) ResolverOption {
	return func(r *Resolver) { r.observer = observerOrNoop(o) }
}

// WithResolverClock overrides the time source
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over store. A nil cache disables caching.
func NewResolver(store RoleReader, cache PermissionCache, opts ...ResolverOption) *Resolver {
	if cache == nil {
		cache = NoopCache{}
	}
	r := &Resolver{
		store:           store,
		cache:           cache,
		superAdminLevel: DefaultSuperAdminLevel,
		log:             logrus.New().WithField("component", "rbac.resolver"),
		observer:        noopObserver{},
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SuperAdminLevel returns the configured SuperAdmin threshold
func (r *Resolver) SuperAdminLevel() int {
	return r.superAdminLevel
}

// Resolve returns the user's effective permission set. A store failure
// returns STORE_UNAVAILABLE and no set.
func (r *Resolver) Resolve(ctx context.Context, userID int64) (*EffectivePermissionSet, error) {
	ctx, span := resolverTracer.Start(ctx, "Resolve",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	start := time.Now()

	if r.bypass.Load() {
		r.tryRecover(ctx)
	}

	if !r.bypass.Load() {
		set, ok, err := r.cache.Get(ctx, userID)
		if err != nil {
			r.log.WithError(err).WithField("user_id", userID).Warn("Permission cache read failed")
		} else if ok {
			r.observer.CacheLookup(true)
			r.observer.ResolveDone(nil, time.Since(start))
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return set, nil
		}
	}
	r.observer.CacheLookup(false)

	version := r.version.Load()
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatUint(version, 10)

	// The shared load must not be cancelled by whichever caller started it;
	// the store applies its own deadline.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(key, func() (any, error) {
		gen, cacheable := r.generation(loadCtx, userID)
		set, err := r.load(loadCtx, userID)
		if err != nil {
			return nil, err
		}
		if cacheable {
			r.storeIfCurrent(loadCtx, set, version, gen)
		}
		return set, nil
	})

	r.observer.ResolveDone(err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		r.log.WithError(err).WithField("user_id", userID).Error("Failed to resolve permissions")
		if apperrors.CodeOf(err) != apperrors.CodeStoreUnavailable {
			err = apperrors.Unavailable("failed to resolve permissions", err)
		}
		return nil, err
	}
	return v.(*EffectivePermissionSet), nil
}

// load reads the user's roles and grants from the store
func (r *Resolver) load(ctx context.Context, userID int64) (*EffectivePermissionSet, error) {
	roles, err := r.store.ActiveRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	set := &EffectivePermissionSet{
		UserID:      userID,
		Tier:        TierNone,
		Roles:       []string{},
		Permissions: map[string]string{},
		ResolvedAt:  r.now(),
	}
	if len(roles) == 0 {
		return set, nil
	}

	set.HasRole = true
	set.Level = roles[0].Level
	roleIDs := make([]int64, 0, len(roles))
	for _, role := range roles {
		if role.Level > set.Level {
			set.Level = role.Level
		}
		set.Roles = append(set.Roles, role.Name)
		roleIDs = append(roleIDs, role.ID)
	}
	set.Tier = TierFor(set.Level, r.superAdminLevel)

	if set.Tier == TierSuperAdmin {
		set.All = true
		return set, nil
	}

	perms, err := r.store.PermissionsForRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	for _, p := range perms {
		set.Permissions[p.Key] = p.ModuleName
	}
	return set, nil
}

// generation reads the shared cache generation of userID ahead of a load.
// It reports false when the result must not be cached.
func (r *Resolver) generation(ctx context.Context, userID int64) (string, bool) {
	gc, ok := r.cache.(GenerationCache)
	if !ok || r.bypass.Load() {
		return "", true
	}
	gen, err := gc.Generation(ctx, userID)
	if err != nil {
		r.log.WithError(err).WithField("user_id", userID).Warn("Permission cache generation read failed")
		return "", false
	}
	return gen, true
}

// storeIfCurrent caches set unless an invalidation happened after version
// (in this process) or gen (in any process sharing the cache) was captured
func (r *Resolver) storeIfCurrent(ctx context.Context, set *EffectivePermissionSet, version uint64, gen string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.bypass.Load() || r.version.Load() != version {
		return
	}

	gc, shared := r.cache.(GenerationCache)
	if !shared {
		if err := r.cache.Set(ctx, set); err != nil {
			r.log.WithError(err).WithField("user_id", set.UserID).Warn("Permission cache write failed")
		}
		return
	}
	written, err := gc.SetIfGeneration(ctx, set, gen)
	if err != nil {
		r.log.WithError(err).WithField("user_id", set.UserID).Warn("Permission cache write failed")
		return
	}
	if !written {
		r.log.WithField("user_id", set.UserID).Debug("Discarded permission set loaded before a concurrent invalidation")
	}
}

// HasPermission reports whether the user holds key
func (r *Resolver) HasPermission(ctx context.Context, userID int64, key string) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(key), nil
}

// HasModuleAccess reports whether the user holds any permission in module
func (r *Resolver) HasModuleAccess(ctx context.Context, userID int64, module string) (bool, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.HasModule(module), nil
}

// Invalidate drops the cached sets of userIDs. It returns once no resolve
// that read the store before the call can still populate the cache.
func (r *Resolver) Invalidate(ctx context.Context, userIDs ...int64) {
	if len(userIDs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.version.Add(1)
	err := r.cache.Delete(ctx, userIDs...)
	r.observer.Invalidated("users", err)
	if err == nil {
		return
	}

	r.log.WithError(err).WithField("users", len(userIDs)).Error("Failed to invalidate permission cache entries, purging")
	r.purgeLocked(ctx)
}

// InvalidateAll drops every cached set
func (r *Resolver) InvalidateAll(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.version.Add(1)
	r.purgeLocked(ctx)
}

// purgeLocked clears the cache or, failing that, bypasses it. Caller holds mu.
func (r *Resolver) purgeLocked(ctx context.Context) {
	err := r.cache.Purge(ctx)
	r.observer.Invalidated("all", err)
	if err != nil {
		r.log.WithError(err).Error("Failed to purge permission cache, bypassing cache until it recovers")
		r.bypass.Store(true)
		r.lastRecover.Store(r.now().UnixNano())
		return
	}
	if r.bypass.Swap(false) {
		r.log.Info("Permission cache recovered")
	}
}

// tryRecover retries the purge that put the resolver in bypass mode
func (r *Resolver) tryRecover(ctx context.Context) {
	now := r.now().UnixNano()
	last := r.lastRecover.Load()
	if now-last < int64(bypassRetryInterval) || !r.lastRecover.CompareAndSwap(last, now) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bypass.Load() {
		return
	}
	r.version.Add(1)
	r.purgeLocked(context.WithoutCancel(ctx))
}

// Bypassed reports whether the cache is currently skipped
func (r *Resolver) Bypassed() bool {
	return r.bypass.Load()
}
