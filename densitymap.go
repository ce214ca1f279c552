package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"

	"densitymap/pkg/api"
	"densitymap/pkg/config"
	"densitymap/pkg/database"
	"densitymap/pkg/metrics"
)

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: sqlite, chai, genji, duckdb, or pgx (postgresql)")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for sqlite, chai, genji, duckdb drivers)")
var dbConn = flag.String("db-conn", "", "Full PostgreSQL DSN; overrides the other -db-* flags for pgx")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "densitymap", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")
var configPath = flag.String("config", "", "Optional YAML file with budget tiers, debounce and preview tuning")
var redisAddr = flag.String("redis-addr", "", "host:port of a redis server shared by several instances as a response cache")
var redisPass = flag.String("redis-pass", "", "Redis password")
var redisDB = flag.Int("redis-db", 0, "Redis database number")
var heavyPoints = flag.Int("heavy-points", 6000, "max_points above which a /points request pays the per-IP cooldown")
var heavyCooldown = flag.Duration("heavy-cooldown", 2*time.Second, "Pause between two heavy /points requests from the same IP")
var importPath = flag.String("import", "", "Load a CSV (subject_id,domain,parameter,year,measured_at,lat,lon,magnitude) into the store and exit")
var watch = flag.Bool("watch", false, "Run the heatmap pipeline against a remote server instead of serving")
var serverURL = flag.String("server", "", "Base URL for -watch (defaults to the config file's server)")
var watchSubject = flag.String("subject", "", "Subject id for -watch")
var watchLayer = flag.String("layer", "population", "Heatmap layer for -watch: population or pollution")
var watchZoom = flag.Float64("zoom", 11, "Map zoom for -watch")
var watchBBox = flag.String("bbox", "", "Viewport for -watch as minLon,minLat,maxLon,maxLat")
var watchYear = flag.Int("year", 0, "Year filter for -watch")
var watchParameter = flag.String("parameter", "", "Pollutant parameter code for -watch")

var CompileVersion = "dev"

// envPrefix names the variables that stand in for flags, e.g.
// DENSITYMAP_DB_TYPE for -db-type.
const envPrefix = "DENSITYMAP_"

// applyEnvDefaults copies DENSITYMAP_* variables into flags the command line
// left unset.
func applyEnvDefaults(fs *flag.FlagSet) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(key); ok {
			if err := fs.Set(f.Name, v); err != nil {
				log.Printf("ignoring %s=%q: %v", key, v, err)
			}
		}
	})
}

// withServerHeader stamps every response with the build version and answers
// HEAD / as a liveness probe.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "densitymap/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs the ACME challenge and redirect listener on :80 and
// HTTPS with Let's Encrypt certificates on :443. Errors are only logged.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			// Bare IPs are let through; they get the fallback cert below.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	var fallback atomic.Pointer[tls.Certificate]
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				fallback.Store(c)
			} else {
				log.Printf("autocert renewal check: %v", err)
			}
			// Check often until the first cert lands, then once a day.
			if fallback.Load() != nil {
				t.Reset(24 * time.Hour)
			}
			<-t.C
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if c := fallback.Load(); c != nil {
			return c, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

func openDatabase() *database.Database {
	dbCfg := database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBConn:    *dbConn,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	}
	db, err := database.NewDatabase(dbCfg)
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		log.Fatalf("DB schema: %v", err)
	}
	return db
}

func main() {
	_ = godotenv.Load(".env")
	flag.Parse()
	applyEnvDefaults(flag.CommandLine)

	if *version {
		fmt.Printf("densitymap version %s\n", CompileVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		base := *serverURL
		if base == "" {
			base = cfg.Server
		}
		if err := runWatch(ctx, cfg, base); err != nil {
			log.Fatalf("watch: %v", err)
		}
		return
	}

	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	db := openDatabase()
	defer db.Close()

	if *importPath != "" {
		if err := importCSV(ctx, db, *importPath); err != nil {
			log.Fatalf("import %s: %v", filepath.Base(*importPath), err)
		}
		return
	}

	var shared api.SharedCache
	if rc := api.OpenRedisCache(*redisAddr, *redisPass, *redisDB, log.Printf); rc != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rc.Ping(pingCtx); err != nil {
			log.Printf("redis %s unreachable, continuing with the in-memory cache only: %v", *redisAddr, err)
			_ = rc.Close()
		} else {
			log.Printf("redis response cache ➜ %s", *redisAddr)
			shared = rc
			defer rc.Close()
		}
		cancel()
	}
	cache := api.NewResponseCache(cfg.Cache.TTL, shared)
	defer cache.Close()

	handler := api.NewHandler(db, cache, api.NewRateLimiter(*heavyCooldown), log.Printf)
	handler.HeavyPoints = *heavyPoints

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/api", http.StatusFound)
	})
	rootHandler := withServerHeader(mux)

	var srv *http.Server
	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
	} else {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", *port),
			Handler:           rootHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// Listeners are already up; queries may be slower until indexes land.
	db.EnsureIndexesAsync(ctx, log.Printf)

	<-ctx.Done()
	log.Printf("shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
