package main

import (
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type dbEnv struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"dealcycle"`
	Password string `env:"DB_PASSWORD" envDefault:"dealcycle-dev"`
	Name     string `env:"DB_NAME" envDefault:"dealcycle"`
}

func (e dbEnv) dsn() string {
	if e.URL != "" {
		return e.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", e.User, e.Password, e.Host, e.Port, e.Name)
}

func main() {
	direction := flag.String("direction", "up", "migration direction: up, down or version")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	dbURL := flag.String("db-url", "", "database URL (overrides env)")
	migrationsPath := flag.String("path", "migrations", "path to migrations directory")
	flag.Parse()

	var cfg dbEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("invalid database environment: %v", err)
	}
	if *dbURL != "" {
		cfg.URL = *dbURL
	}

	m, err := migrate.New("file://"+*migrationsPath, cfg.dsn())
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "version":
	default:
		log.Fatalf("invalid direction: %s (use 'up', 'down' or 'version')", *direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration failed: %v", err)
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("no migrations applied")
		return
	}
	fmt.Printf("session_events schema %s (version: %d, dirty: %v)\n", *direction, v, dirty)
}
