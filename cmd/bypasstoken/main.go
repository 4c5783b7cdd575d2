// Command bypasstoken fetches the administrative bypass token from the auth service
// using the same credentials and client the gateway uses. Useful for checking that
// BYPASS_ADMIN_* are valid before a deploy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dealcycle/identity-gateway/internal/bypass"
)

type options struct {
	AuthURL   string        `env:"AUTH_SERVICE_URL" envDefault:"http://localhost:3005"`
	TokenPath string        `env:"BYPASS_TOKEN_PATH" envDefault:"/auth/login"`
	Email     string        `env:"BYPASS_ADMIN_EMAIL,required"`
	Password  string        `env:"BYPASS_ADMIN_PASSWORD,required"`
	Timeout   time.Duration `env:"BYPASS_TIMEOUT" envDefault:"5s"`
}

func main() {
	full := flag.Bool("full", false, "print the whole token instead of a prefix")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	var opts options
	if err := env.Parse(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	provider := bypass.NewProvider(bypass.ProviderConfig{
		TokenURL: strings.TrimRight(opts.AuthURL, "/") + opts.TokenPath,
		Email:    opts.Email,
		Password: opts.Password,
		Timeout:  opts.Timeout,
	}, nil, nil, nil)

	tok := provider.Token(context.Background())
	if tok == "" {
		fmt.Fprintln(os.Stderr, "error: no bypass token obtained (see log above)")
		os.Exit(1)
	}

	if !*full && len(tok) > 12 {
		tok = tok[:12] + "..."
	}
	fmt.Println(tok)
}
