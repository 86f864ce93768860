package main

import (
	"database/sql"
	"fmt"
)

type DatabaseConfig struct {
	// "sqlite" for a local file, "libsql" for a remote turso/libsql url
	Driver string `json:"driver"`
	Dsn    string `json:"dsn"`
}

func (c DatabaseConfig) OpenDB() (*sql.DB, error) {
	driver := c.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if c.Dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	return sql.Open(driver, c.Dsn)
}

type AdminEntry struct {
	Identity string `json:"identity"`
	Owner    string `json:"owner"`
	Username string `json:"username"`
	Password string `json:"password"`
	// maximum shareable quota in GB; 0 disables the limit check
	QuotaLimit float64 `json:"quota_limit"`
	// billing validity date, YYYY-MM-DD in the carrier timezone
	ValidityDate string `json:"validity_date"`
}

type Config struct {
	Port          int            `json:"port"`
	PortalBaseUrl string         `json:"portal_base_url"`
	SessionTtlMin int            `json:"session_ttl_minutes"`
	CacheTtlMin   int            `json:"cache_ttl_minutes"`
	Database      DatabaseConfig `json:"database"`
	Admins        []AdminEntry   `json:"admins"`
	// when set, raw portal exchanges are dumped to this directory
	DumpHttp string `json:"dump_http"`
}
