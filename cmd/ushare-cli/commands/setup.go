package commands

import (
	"context"
	"database/sql"
	"time"

	"quotashare-backend/lib/configutil"
	"quotashare-backend/lib/scrapers/ushare/core"
	"quotashare-backend/lib/scrapers/ushare/session"
	"quotashare-backend/lib/serviceutil"
	"quotashare-backend/lib/timezone"
	"quotashare-backend/services/admins"
	admindb "quotashare-backend/services/admins/db"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// the CLI reads the same config.json5 the daemon does, so operator
// actions and the daemon always agree on credentials and limits
type DatabaseConfig struct {
	Driver string `json:"driver"`
	Dsn    string `json:"dsn"`
}

type AdminEntry struct {
	Identity     string  `json:"identity"`
	Owner        string  `json:"owner"`
	Username     string  `json:"username"`
	Password     string  `json:"password"`
	QuotaLimit   float64 `json:"quota_limit"`
	ValidityDate string  `json:"validity_date"`
}

type Config struct {
	PortalBaseUrl string         `json:"portal_base_url"`
	Database      DatabaseConfig `json:"database"`
	Admins        []AdminEntry   `json:"admins"`
}

func buildService(ctx context.Context) *admins.Service {
	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	driver := cfg.Database.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dsn := cfg.Database.Dsn
	if dsn == "" {
		dsn = "file:admins.db"
	}
	database, err := sql.Open(driver, dsn)
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
	})
	if err != nil {
		serviceutil.Fatal("init session manager", err)
	}

	service, err := admins.NewService(admins.Options{
		DB:       database,
		Core:     coreClient,
		Sessions: sessions,
		BaseUrl:  cfg.PortalBaseUrl,
	})
	if err != nil {
		serviceutil.Fatal("init admins service", err)
	}

	for _, admin := range cfg.Admins {
		validity := time.Time{}
		if admin.ValidityDate != "" {
			validity, err = time.ParseInLocation("2006-01-02", admin.ValidityDate, timezone.Location)
			if err != nil {
				serviceutil.Fatal("bad validity date for "+admin.Identity, err)
			}
		}
		err = service.RegisterAdmin(ctx, admins.AdminConfig{
			Identity:     admin.Identity,
			Owner:        admin.Owner,
			QuotaLimit:   admin.QuotaLimit,
			ValidityDate: validity,
		})
		if err != nil {
			serviceutil.Fatal("register admin "+admin.Identity, err)
		}
	}

	return service
}
