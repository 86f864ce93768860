package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"quotashare-backend/lib/configutil"
	"quotashare-backend/lib/restyutil"
	"quotashare-backend/lib/scrapers/ushare/core"
	"quotashare-backend/lib/scrapers/ushare/session"
	"quotashare-backend/lib/serviceutil"
	"quotashare-backend/lib/telemetry"
	"quotashare-backend/lib/timezone"
	"quotashare-backend/services/admins"
	admindb "quotashare-backend/services/admins/db"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	telemetry.InitSlog(*verbose)
	err := telemetry.SetupFromEnv(ctx, "admind")
	if err != nil {
		serviceutil.Fatal("init telemetry", err)
	}
	defer telemetry.Shutdown(ctx)
	telemetry.InstrumentPerfStats(ctx)

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	if cfg.DumpHttp != "" {
		output, err := restyutil.NewFilesystemOutput(cfg.DumpHttp)
		if err != nil {
			serviceutil.Fatal("init http dump directory", err)
		}
		core.SetRestyInstrumentOutput(output)
	}

	database, err := cfg.Database.OpenDB()
	if err != nil {
		serviceutil.Fatal("open database", err)
	}
	_, err = database.ExecContext(ctx, admindb.Schema)
	if err != nil {
		serviceutil.Fatal("apply schema", err)
	}

	coreClient, err := core.NewClient(core.ClientOptions{BaseUrl: cfg.PortalBaseUrl})
	if err != nil {
		serviceutil.Fatal("init portal client", err)
	}

	credentials := session.StaticCredentials{}
	for _, admin := range cfg.Admins {
		credentials[admin.Identity] = session.Credential{
			Username: admin.Username,
			Password: admin.Password,
		}
	}
	sessions, err := session.NewManager(session.Options{
		BaseUrl: cfg.PortalBaseUrl,
		Source:  credentials,
		Ttl:     time.Duration(cfg.SessionTtlMin) * time.Minute,
	})
	if err != nil {
		serviceutil.Fatal("init session manager", err)
	}

	service, err := admins.NewService(admins.Options{
		DB:       database,
		Core:     coreClient,
		Sessions: sessions,
		BaseUrl:  cfg.PortalBaseUrl,
		CacheTtl: time.Duration(cfg.CacheTtlMin) * time.Minute,
	})
	if err != nil {
		serviceutil.Fatal("init admins service", err)
	}

	for _, admin := range cfg.Admins {
		validity := time.Time{}
		if admin.ValidityDate != "" {
			validity, err = time.ParseInLocation("2006-01-02", admin.ValidityDate, timezone.Location)
			if err != nil {
				serviceutil.Fatal(fmt.Sprintf("bad validity date for %s", admin.Identity), err)
			}
		}
		err = service.RegisterAdmin(ctx, admins.AdminConfig{
			Identity:     admin.Identity,
			Owner:        admin.Owner,
			QuotaLimit:   admin.QuotaLimit,
			ValidityDate: validity,
		})
		if err != nil {
			serviceutil.Fatal(fmt.Sprintf("register admin %s", admin.Identity), err)
		}
	}

	go sessions.RunProactiveRefresh(ctx, sessions.Ttl()/4)
	go service.RunBillingCleanup(ctx, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(service.Status())
	})

	port := cfg.Port
	if port == 0 {
		port = 8000
	}
	go serviceutil.StartHttpServer(port, mux)
	<-ctx.Done()
}
