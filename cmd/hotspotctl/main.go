// Command hotspotctl runs hotspotd jobs once and administers sites and accounts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/netquota/hotspotd/internal/app"
	"github.com/netquota/hotspotd/internal/config"
	"github.com/netquota/hotspotd/internal/crypto"
	"github.com/netquota/hotspotd/internal/migrate"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/service"
)

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `hotspotctl
Usage:
  hotspotctl [-config file] [-timeout d] <cmd> [args]

Commands:
  version
  migrate                                       (apply migrations, print status)
  seal       -password <p>                      (sealed credential, base64)
  sites
  site-add   -name <n> -host <h> [-port N] -user <u> -password <p> [-cohort A|B|none]
  accounts   -site <name>
  reconcile  [-site <name>]
  cohort     [-site <name>] [-cohort A|B|none] [-save]
  renew
  audit      [-site <name>]
  check      [-site <name>]
  import     [-site <name>]
  provision  -site <name> -u <username> -p <password> [-turma T] [-profile P]
  expire     -id <uuid>
  quota      -id <uuid> -mb <N>
  delete     -id <uuid>
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the ledger named in the config.
func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall deadline")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	if cmd == "version" {
		fmt.Printf("hotspotctl %s (%s)\n", version, buildDate)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fail(err)
	}
	if err := cfg.Validate(); err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	switch cmd {

	case "migrate":
		if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
			fail(err)
		}
		if err := migrate.Status(ctx, cfg.Database.DSN); err != nil {
			fail(err)
		}
		return

	case "seal":
		fs := flag.NewFlagSet("seal", flag.ExitOnError)
		p := fs.String("password", "", "router API password")
		_ = fs.Parse(args)
		if *p == "" {
			fail(fmt.Errorf("need -password"))
		}
		sealer, err := crypto.NewSealer([]byte(cfg.Security.SecretKey), []byte(cfg.Security.Salt))
		if err != nil {
			fail(err)
		}
		sealed, err := sealer.Seal([]byte(*p))
		if err != nil {
			fail(err)
		}
		fmt.Println(encodeSealed(sealed))
		return
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fail(err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.Build(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := run(ctx, a, cmd, args); err != nil {
		a.Close()
		fail(err)
	}
}

// run executes one command on the wired stack.
func run(ctx context.Context, a *app.App, cmd string, args []string) error {
	switch cmd {

	case "sites":
		sites, err := a.Sites.List(ctx)
		if err != nil {
			return err
		}
		out := make([]siteView, 0, len(sites))
		for _, s := range sites {
			out = append(out, toSiteView(s))
		}
		printJSON(out)

	case "site-add":
		fs := flag.NewFlagSet("site-add", flag.ExitOnError)
		name := fs.String("name", "", "site name")
		host := fs.String("host", "", "device address")
		port := fs.Int("port", 0, "REST port (0 = gateway default)")
		user := fs.String("user", "", "API user")
		pass := fs.String("password", "", "API password")
		cohort := fs.String("cohort", "none", "active cohort")
		_ = fs.Parse(args)
		if *name == "" || *host == "" || *user == "" || *pass == "" {
			return fmt.Errorf("need -name, -host, -user and -password")
		}
		c, err := parseCohort(*cohort)
		if err != nil {
			return err
		}
		if c == "" {
			c = model.CohortNone
		}
		sealed, err := a.Sealer.Seal([]byte(*pass))
		if err != nil {
			return err
		}
		site := &model.Site{
			ID:           u.Must(u.NewV4()),
			Name:         *name,
			Host:         *host,
			Port:         *port,
			APIUser:      *user,
			APIPassword:  sealed,
			Status:       model.SiteOffline,
			ActiveCohort: c,
		}
		if err := a.Sites.Create(ctx, site); err != nil {
			return err
		}
		printJSON(toSiteView(*site))

	case "accounts":
		fs := flag.NewFlagSet("accounts", flag.ExitOnError)
		name := fs.String("site", "", "site name")
		_ = fs.Parse(args)
		if *name == "" {
			return fmt.Errorf("need -site")
		}
		site, err := a.Sites.GetByName(ctx, *name)
		if err != nil {
			return fmt.Errorf("site %q: %w", *name, err)
		}
		accts, err := a.Accounts.ListBySite(ctx, site.ID)
		if err != nil {
			return err
		}
		out := make([]accountView, 0, len(accts))
		for _, acct := range accts {
			out = append(out, toAccountView(acct))
		}
		printJSON(out)

	case "reconcile":
		name := siteFlag("reconcile", args)
		out, err := a.Runner.Usage(ctx, name)
		if err != nil {
			return err
		}
		printJSON(out)

	case "cohort":
		fs := flag.NewFlagSet("cohort", flag.ExitOnError)
		name := fs.String("site", "", "site name (all when empty)")
		raw := fs.String("cohort", "", "A, B or none (stored cohort when empty)")
		save := fs.Bool("save", false, "store the cohort as the site's active cohort")
		_ = fs.Parse(args)
		c, err := parseCohort(*raw)
		if err != nil {
			return err
		}
		if *save {
			if *name == "" || c == "" {
				return fmt.Errorf("-save needs -site and -cohort")
			}
			site, err := a.Sites.GetByName(ctx, *name)
			if err != nil {
				return fmt.Errorf("site %q: %w", *name, err)
			}
			if err := a.Sites.SetActiveCohort(ctx, site.ID, c); err != nil {
				return err
			}
		}
		out, err := a.Runner.Cohort(ctx, *name, c)
		if err != nil {
			return err
		}
		printJSON(out)

	case "renew":
		out, err := a.Runner.Renewal(ctx)
		if err != nil {
			return err
		}
		printJSON(out)

	case "audit":
		out, err := a.Runner.Audit(ctx, siteFlag("audit", args))
		if err != nil {
			return err
		}
		printJSON(out)

	case "check":
		out, err := a.Runner.Connectivity(ctx, siteFlag("check", args))
		if err != nil {
			return err
		}
		printJSON(out)

	case "import":
		out, err := a.Runner.Import(ctx, siteFlag("import", args))
		if err != nil {
			return err
		}
		printJSON(out)

	case "provision":
		fs := flag.NewFlagSet("provision", flag.ExitOnError)
		name := fs.String("site", "", "site name")
		user := fs.String("u", "", "username")
		pass := fs.String("p", "", "password")
		turma := fs.String("turma", "", "turma (A or B)")
		profile := fs.String("profile", "", "device profile")
		_ = fs.Parse(args)
		if *name == "" || *user == "" || *pass == "" {
			return fmt.Errorf("need -site, -u and -p")
		}
		site, err := a.Sites.GetByName(ctx, *name)
		if err != nil {
			return fmt.Errorf("site %q: %w", *name, err)
		}
		acct, err := a.Services.Accounts.Provision(ctx, service.NewAccount{
			SiteID:   site.ID,
			Username: *user,
			Password: *pass,
			Turma:    *turma,
			Profile:  *profile,
		})
		if err != nil {
			return err
		}
		printJSON(toAccountView(*acct))

	case "expire":
		id, err := idFlag("expire", args)
		if err != nil {
			return err
		}
		out, err := a.Services.Accounts.ForceExpire(ctx, id)
		if err != nil {
			return err
		}
		printJSON(out)

	case "quota":
		fs := flag.NewFlagSet("quota", flag.ExitOnError)
		rawID := fs.String("id", "", "account id (uuid)")
		mb := fs.Uint64("mb", 0, "new total in MB")
		_ = fs.Parse(args)
		id, err := parseID(*rawID)
		if err != nil {
			return err
		}
		acct, err := a.Services.Accounts.SetQuota(ctx, id, *mb)
		if err != nil {
			return err
		}
		printJSON(toAccountView(*acct))

	case "delete":
		id, err := idFlag("delete", args)
		if err != nil {
			return err
		}
		if err := a.Services.Accounts.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Println("ok")

	default:
		usage()
	}
	return nil
}

func siteFlag(cmd string, args []string) string {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	name := fs.String("site", "", "site name (all when empty)")
	_ = fs.Parse(args)
	return *name
}

func idFlag(cmd string, args []string) (u.UUID, error) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	raw := fs.String("id", "", "account id (uuid)")
	_ = fs.Parse(args)
	return parseID(*raw)
}
