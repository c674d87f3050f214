package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/terrapod/terrapod/internal/audit"
	"github.com/terrapod/terrapod/internal/config"
	"github.com/terrapod/terrapod/internal/httpserver"
	"github.com/terrapod/terrapod/internal/platform"
	"github.com/terrapod/terrapod/internal/telemetry"

	"github.com/terrapod/terrapod/pkg/agentpool"
	"github.com/terrapod/terrapod/pkg/artifactstore"
	"github.com/terrapod/terrapod/pkg/ca"
	"github.com/terrapod/terrapod/pkg/configversion"
	"github.com/terrapod/terrapod/pkg/envelope"
	"github.com/terrapod/terrapod/pkg/listener"
	"github.com/terrapod/terrapod/pkg/listenercontroller"
	"github.com/terrapod/terrapod/pkg/logstream"
	"github.com/terrapod/terrapod/pkg/queue"
	"github.com/terrapod/terrapod/pkg/run"
	"github.com/terrapod/terrapod/pkg/stateversion"
	"github.com/terrapod/terrapod/pkg/workspace"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode selected by cfg.Mode: "api" serves the
// control plane's HTTP surface; "listener" joins a remote agent pool and
// runs the Listener Controller against it over mTLS; "local-listener" runs
// the LC in-process against the control plane's own database and serves the
// API alongside it, for single-binary deployments with no separate join
// step.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting terrapod", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	authority, err := ca.NewStore(db).LoadOrGenerate(ctx)
	if err != nil {
		return fmt.Errorf("loading certificate authority: %w", err)
	}
	if err := authority.CacheToDisk(cfg.CACacheDir); err != nil {
		logger.Warn("caching CA to disk", "error", err)
	}

	encryptor, err := envelope.New(cfg.EncryptionKeyHex)
	if err != nil {
		return fmt.Errorf("constructing envelope encryptor: %w", err)
	}

	objects, err := artifactstore.New(ctx, artifactstore.Config{
		Backend:          cfg.StorageBackend,
		Bucket:           cfg.StorageBucket,
		Prefix:           cfg.StoragePrefix,
		FSRoot:           cfg.StorageFSRoot,
		FSSecret:         cfg.StorageFSSecret,
		PublicAPIBaseURL: cfg.PublicAPIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("constructing artifact store: %w", err)
	}

	metricsReg := telemetry.NewRegistry(telemetry.All()...)
	d := wireDomain(db, rdb, authority, encryptor, objects)

	auditWriter := audit.NewWriter(logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, d, auditWriter)
	case "local-listener":
		return runLocalListener(ctx, cfg, logger, db, rdb, metricsReg, d, auditWriter)
	case "listener":
		return runRemoteListener(ctx, cfg, logger, d)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// domain bundles the constructed stores, services, and handlers shared by
// every runtime mode.
type domain struct {
	pools     *agentpool.Store
	listeners *listener.Store
	listenSvc *listener.Service

	workspaces *workspace.Store

	runs      *run.Store
	runEngine *run.Engine
	runSvc    *run.Service

	cvs    *configversion.Store
	states *stateversion.Store

	heartbeats *queue.HeartbeatStore
	claimer    *queue.Claimer

	objects   artifactstore.Store
	encryptor *envelope.Encryptor
	authority *ca.Authority
}

func wireDomain(db *pgxpool.Pool, rdb *redis.Client, authority *ca.Authority, encryptor *envelope.Encryptor, objects artifactstore.Store) *domain {
	pools := agentpool.NewStore(db)
	listeners := listener.NewStore(db)
	listenSvc := listener.NewService(listeners, pools, authority)

	workspaces := workspace.NewStore(db)

	runs := run.NewStore(db)
	runEngine := run.NewEngine(db, workspaces)
	cvs := configversion.NewStore(db)
	states := stateversion.NewStore(db)
	runSvc := run.NewService(runs, runEngine, cvs, workspaces)

	heartbeats := queue.NewHeartbeatStore(rdb)
	claimer := queue.NewClaimer(runEngine)

	return &domain{
		pools:      pools,
		listeners:  listeners,
		listenSvc:  listenSvc,
		workspaces: workspaces,
		runs:       runs,
		runEngine:  runEngine,
		runSvc:     runSvc,
		cvs:        cvs,
		states:     states,
		heartbeats: heartbeats,
		claimer:    claimer,
		objects:    objects,
		encryptor:  encryptor,
		authority:  authority,
	}
}

func publicLogURLFunc(cfg *config.Config) func(id uuid.UUID, phase run.Phase) string {
	return func(id uuid.UUID, phase run.Phase) string {
		return fmt.Sprintf("%s/%ss/%s/log", cfg.PublicAPIBaseURL, phase, id)
	}
}

// buildServer constructs the HTTP server with every domain handler mounted:
// run/workspace/CV/SV management behind principal auth, and uploads, log
// streams, joins, heartbeats, and the listener broker behind capability or
// client-cert auth.
func buildServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, d *domain, auditWriter *audit.Writer) *httpserver.Server {
	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, rdb, metricsReg)

	runHandler := run.NewHandler(d.runSvc, publicLogURLFunc(cfg)).WithAudit(auditWriter)
	cvHandler := configversion.NewHandler(d.cvs, d.runSvc, d.objects)
	svHandler := stateversion.NewHandler(d.states, d.objects, d.encryptor)
	logHandler := logstream.NewHandler(d.runs, d.objects)
	listenerHandler := listener.NewHandler(d.listenSvc, d.heartbeats).WithAudit(auditWriter)
	poolHandler := agentpool.NewHandler(d.pools).WithAudit(auditWriter)
	broker := listenercontroller.NewURLBroker(d.objects, d.cvs, d.states)
	lcHandler := listenercontroller.NewHandler(d.runs, d.runEngine, broker, d.claimer)

	srv.APIRouter.Mount("/", runHandler.Routes())
	srv.APIRouter.Mount("/", poolHandler.Routes())

	srv.Public.Mount("/", cvHandler.Routes())
	srv.Public.Mount("/", cvHandler.UploadRoutes())
	srv.Public.Mount("/", svHandler.Routes())
	srv.Public.Mount("/", svHandler.UploadRoutes())
	srv.Public.Mount("/", logHandler.Routes())
	srv.Public.Mount("/", listenerHandler.JoinRoutes())
	if artifactHandler := artifactstore.NewHandler(d.objects); artifactHandler != nil {
		srv.Public.Mount("/artifacts", artifactHandler.Routes())
	}

	srv.Public.Group(func(r chi.Router) {
		r.Use(listener.ClientCertAuth(d.authority, d.listeners))
		r.Mount("/", listenerHandler.AuthenticatedRoutes())
		r.Mount("/", lcHandler.Routes())
	})

	return srv
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, d *domain, auditWriter *audit.Writer) error {
	srv := buildServer(cfg, logger, db, rdb, metricsReg, d, auditWriter)
	return serveHTTP(ctx, cfg, logger, srv)
}

func serveHTTP(ctx context.Context, cfg *config.Config, logger *slog.Logger, srv *httpserver.Server) error {
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runLocalListener runs the Listener Controller in-process, sharing the
// control plane's own database: the §4.4 local-join bootstrap path, no
// certificate involved. The API is served alongside it so uploads, the
// presign broker, and heartbeats the controller itself depends on are
// reachable without a second process.
func runLocalListener(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, d *domain, auditWriter *audit.Writer) error {
	rec, err := d.listenSvc.JoinLocal(ctx, nil)
	if err != nil {
		return fmt.Errorf("local-joining listener: %w", err)
	}

	clientset, err := newKubernetesClient(cfg.KubeConfigPath)
	if err != nil {
		return fmt.Errorf("constructing kubernetes client: %w", err)
	}

	jobs := listenercontroller.NewK8sJobs(clientset, cfg.KubeNamespace)
	broker := listenercontroller.NewURLBroker(d.objects, d.cvs, d.states)
	fetcher := listenercontroller.NewLocalFetcher(broker, d.runs, "")
	hbPublisher := listenercontroller.NewLocalHeartbeatPublisher(d.heartbeats, rec.ID)
	transport := listenercontroller.NewLocalTransport(d.claimer, d.runs, d.runEngine, listener.LocalPoolName, rec.PoolRef, rec.ID)

	controller := listenercontroller.NewController(listenercontroller.Config{
		ListenerID:        rec.ID,
		PoolRef:           rec.PoolRef,
		PoolName:          listener.LocalPoolName,
		MaxConcurrent:     cfg.ListenerMaxConcurrent,
		RunnerDefinitions: rec.RunnerDefinitions,
		APIURL:            cfg.PublicAPIBaseURL,
		Version:           cfg.Version,
		JobSpec: listenercontroller.JobSpecConfig{
			Namespace:               cfg.KubeNamespace,
			Image:                   cfg.JobImage,
			ResourceCPU:             cfg.JobResourceCPU,
			ResourceMemory:          cfg.JobResourceMemory,
			ActiveDeadlineSeconds:   int64(time.Hour.Seconds()),
			TTLSecondsAfterFinished: int32(cfg.JobTTLSeconds),
		},
	}, transport, jobs, fetcher, hbPublisher, logger)

	srv := buildServer(cfg, logger, db, rdb, metricsReg, d, auditWriter)

	errCh := make(chan error, 1)
	go func() {
		if err := controller.Run(ctx); err != nil {
			errCh <- fmt.Errorf("listener controller: %w", err)
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- serveHTTP(ctx, cfg, logger, srv)
	}()

	select {
	case err := <-errCh:
		return err
	case err := <-httpErrCh:
		return err
	}
}

// runRemoteListener joins a remote agent pool with a join token, persists
// the issued certificate (and the listener ID it was issued for) to disk,
// and runs the Listener Controller against the control plane over mTLS.
// The first-start join calls the listener service directly against the
// database, and Run connects to the database and Redis in every mode; the
// controller itself reaches the control plane only over HTTP.
func runRemoteListener(ctx context.Context, cfg *config.Config, logger *slog.Logger, d *domain) error {
	certPath := filepath.Join(cfg.ListenerCertDir, "listener.crt")
	keyPath := filepath.Join(cfg.ListenerCertDir, "listener.key")
	idPath := filepath.Join(cfg.ListenerCertDir, "listener.id")
	poolPath := filepath.Join(cfg.ListenerCertDir, "listener.pool")

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		if cfg.ListenerJoinToken == "" || cfg.ListenerPoolID == "" || cfg.ListenerName == "" {
			return fmt.Errorf("remote listener mode requires TERRAPOD_LISTENER_JOIN_TOKEN, TERRAPOD_LISTENER_POOL_ID, and TERRAPOD_LISTENER_NAME")
		}

		poolID, err := uuid.Parse(cfg.ListenerPoolID)
		if err != nil {
			return fmt.Errorf("parsing listener pool id: %w", err)
		}

		resp, err := d.listenSvc.Join(ctx, listener.JoinRequest{
			PoolID:       poolID,
			JoinToken:    cfg.ListenerJoinToken,
			ListenerName: cfg.ListenerName,
		})
		if err != nil {
			return fmt.Errorf("joining agent pool: %w", err)
		}

		if err := os.MkdirAll(cfg.ListenerCertDir, 0700); err != nil {
			return fmt.Errorf("creating listener cert directory: %w", err)
		}
		if err := os.WriteFile(certPath, []byte(resp.CertificatePEM), 0600); err != nil {
			return fmt.Errorf("persisting listener certificate: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(resp.PrivateKeyPEM), 0600); err != nil {
			return fmt.Errorf("persisting listener private key: %w", err)
		}
		if err := os.WriteFile(idPath, []byte(resp.ListenerID.String()), 0600); err != nil {
			return fmt.Errorf("persisting listener id: %w", err)
		}
		if err := os.WriteFile(poolPath, []byte(poolID.String()), 0600); err != nil {
			return fmt.Errorf("persisting listener pool id: %w", err)
		}
		logger.Info("joined agent pool", "listener_id", resp.ListenerID)
	}

	cert, err := loadKeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("loading listener certificate: %w", err)
	}

	listenerID, err := readPersistedUUID(idPath)
	if err != nil {
		return fmt.Errorf("reading persisted listener id: %w", err)
	}
	poolRef, err := readPersistedUUID(poolPath)
	if err != nil {
		return fmt.Errorf("reading persisted listener pool id: %w", err)
	}

	clientset, err := newKubernetesClient(cfg.KubeConfigPath)
	if err != nil {
		return fmt.Errorf("constructing kubernetes client: %w", err)
	}

	jobs := listenercontroller.NewK8sJobs(clientset, cfg.KubeNamespace)
	fetcher := listenercontroller.NewRemoteFetcher(cfg.ListenerAPIURL, listenerID, cert, "")
	hbPublisher := listenercontroller.NewRemoteHeartbeatPublisher(cfg.ListenerAPIURL, listenerID, cert)
	transport := listenercontroller.NewRemoteTransport(cfg.ListenerAPIURL, listenerID, cfg.ListenerName, poolRef, cert)

	controller := listenercontroller.NewController(listenercontroller.Config{
		ListenerID:    listenerID,
		PoolRef:       poolRef,
		PoolName:      cfg.ListenerName,
		MaxConcurrent: cfg.ListenerMaxConcurrent,
		APIURL:        cfg.ListenerAPIURL,
		Version:       cfg.Version,
		JobSpec: listenercontroller.JobSpecConfig{
			Namespace:               cfg.KubeNamespace,
			Image:                   cfg.JobImage,
			ResourceCPU:             cfg.JobResourceCPU,
			ResourceMemory:          cfg.JobResourceMemory,
			ActiveDeadlineSeconds:   int64(time.Hour.Seconds()),
			TTLSecondsAfterFinished: int32(cfg.JobTTLSeconds),
		},
	}, transport, jobs, fetcher, hbPublisher, logger)

	return controller.Run(ctx)
}

func newKubernetesClient(kubeconfigPath string) (*kubernetes.Clientset, error) {
	var restCfg *rest.Config
	var err error

	if kubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes rest config: %w", err)
	}

	return kubernetes.NewForConfig(restCfg)
}

func loadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func readPersistedUUID(path string) (uuid.UUID, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.Parse(strings.TrimSpace(string(b)))
}
