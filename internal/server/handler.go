package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/calderaops/caldera/internal/claims"
	"github.com/calderaops/caldera/internal/routing"
	"github.com/calderaops/caldera/pkg/authz"
	"github.com/calderaops/caldera/pkg/tablepolicy"
)

func NewHandler(logger *zap.Logger) (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{Logger: logger})
}

type HandlerOptions struct {
	Logger           *zap.Logger
	Pool             *pgxpool.Pool
	TenancyResolver  TenancyResolver
	IdentityProvider IdentityProvider
	IdentityStore    identityStore
	SessionStore     sessionStore
	ClaimStore       claims.Store
	NoteStore        noteStore
	VisitStore       visitStore
	Registry         *tablepolicy.Registry
	Deriver          contextDeriver
	TokenCodec       *claims.TokenCodec
	Authorizer       *authz.Authorizer
	BypassGate       *bypassGate
}

// pipelineDeps is everything the middleware stages and the session
// surface share. Built once at startup; immutable afterwards.
type pipelineDeps struct {
	logger      *zap.Logger
	gate        *bypassGate
	tenants     TenancyResolver
	sessions    sessionStore
	identities  identityReader
	provider    IdentityProvider
	claimsMgr   *claims.Manager
	tokenCodec  *claims.TokenCodec
	registry    *tablepolicy.Registry
	authorizer  *authz.Authorizer
	resolvers   []contextResolver
	routeTables map[string][]string
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// The bypass gate is validated before anything listens: a half-set
	// bypass configuration is a startup failure, not a warning.
	gate := opts.BypassGate
	if gate == nil {
		g, err := newBypassGateFromEnv()
		if err != nil {
			return nil, err
		}
		gate = g
	}
	if gate.isActive() {
		logger.Error("bypass_active",
			zap.String("actor_id", gate.sc.ActorID),
			zap.String("tenant_id", gate.sc.TenantID),
			zap.String("role", string(gate.sc.Role)))
	}

	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultConfigPath("config/routing/allowlist.yaml")
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}
	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	registry := opts.Registry
	if registry == nil {
		registryPath := os.Getenv("WRITE_POLICY_PATH")
		if registryPath == "" {
			p, err := defaultConfigPath("config/writepolicy/tables.yaml")
			if err != nil {
				return nil, err
			}
			registryPath = p
		}
		r, err := tablepolicy.LoadRegistry(registryPath)
		if err != nil {
			return nil, err
		}
		registry = r
	}

	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer, err = loadAuthorizer(logger)
		if err != nil {
			return nil, err
		}
	}

	idents := opts.IdentityStore
	claimStore := opts.ClaimStore
	sessions := opts.SessionStore
	notes := opts.NoteStore
	visits := opts.VisitStore
	deriver := opts.Deriver
	tenancyResolver := opts.TenancyResolver

	var pool *pgxpool.Pool
	if opts.Pool != nil {
		pool = opts.Pool
	} else if idents == nil {
		p, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			return nil, err
		}
		pool = p
	}

	if claimStore == nil {
		if pool != nil {
			claimStore = claims.NewPGStore(pool)
		} else {
			claimStore = claims.NewMemoryStore()
		}
	}
	if idents == nil {
		idents = newIdentityStore(pool, claimStore, logger)
	}
	if sessions == nil {
		sessions = newSessionStore(pool)
	}
	if notes == nil {
		notes = newNoteStore(registry, pool == nil)
	}
	if visits == nil {
		visits = newVisitStore(pool, registry)
	}
	if deriver == nil {
		if pool != nil {
			deriver = newPGContextDeriver(pool)
		} else {
			deriver = newMemoryContextDeriver(idents)
		}
	}
	if tenancyResolver == nil {
		if pool == nil {
			return nil, errors.New("server: missing tenancy resolver (set HandlerOptions.TenancyResolver or use default PG stores)")
		}
		tenancyResolver = newTenancyDBResolver(pool)
	}

	provider := opts.IdentityProvider
	if provider == nil {
		p, err := newKratosIdentityProvider(getenvDefault("KRATOS_PUBLIC_URL", "http://127.0.0.1:4433"))
		if err != nil {
			return nil, err
		}
		provider = p
	}

	tokenCodec := opts.TokenCodec
	if tokenCodec == nil {
		if c, err := claims.NewTokenCodecFromEnv(); err == nil {
			tokenCodec = c
		}
	}

	claimsMgr := claims.NewManager(claimStore, logger)
	deps := &pipelineDeps{
		logger:     logger,
		gate:       gate,
		tenants:    tenancyResolver,
		sessions:   sessions,
		identities: idents,
		provider:   provider,
		claimsMgr:  claimsMgr,
		tokenCodec: tokenCodec,
		registry:   registry,
		authorizer: authorizer,
		resolvers: []contextResolver{
			&bypassResolver{gate: gate},
			&claimsResolver{mgr: claimsMgr, logger: logger},
			&derivedResolver{deriver: deriver},
		},
		routeTables: map[string][]string{
			"/api/v1/player-notes":    {tablePlayerNotes},
			"/api/v1/visit-summaries": {tableVisitSummaries},
		},
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/iam/api/sessions", handleSessionCreate(deps))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", handleSessionDestroy(deps))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/identities", handleIdentitiesList(idents))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/identities", handleIdentitiesCreate(idents))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/identities:deactivate", handleIdentitiesDeactivate(idents))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/identities:change-role", handleIdentitiesChangeRole(idents))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/identities:reassign-tenant", handleIdentitiesReassignTenant(idents))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/identities:unbind", handleIdentitiesUnbind(idents))

	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/player-notes", handlePlayerNotesList(notes))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/player-notes", handlePlayerNotesCreate(notes))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/visit-summaries", handleVisitSummariesList(visits))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/visit-summaries", handleVisitSummariesCreate(visits))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/internal/api/write-policy:evaluate", handleWritePolicyEvaluate(registry))

	guarded := withTenantAndSession(deps,
		withContextInjection(deps,
			withAuthz(deps, router)))

	return guarded, nil
}

func MustNewHandler(logger *zap.Logger) http.Handler {
	h, err := NewHandler(logger)
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

func loadAuthorizer(logger *zap.Logger) (*authz.Authorizer, error) {
	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		modelPath, err = defaultConfigPath("config/access/model.conf")
		if err != nil {
			return nil, err
		}
	}
	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		policyPath, err = defaultConfigPath("config/access/policy.csv")
		if err != nil {
			return nil, err
		}
	}
	return authz.NewAuthorizer(modelPath, policyPath, mode, logger)
}

func defaultConfigPath(rel string) (string, error) {
	path := rel
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: config file not found: " + rel)
}
