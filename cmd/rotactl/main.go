package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/dukerupert/rota/internal/client"
	"github.com/dukerupert/rota/internal/config"
	"github.com/dukerupert/rota/internal/credential"
	"github.com/dukerupert/rota/internal/logging"
	"github.com/dukerupert/rota/internal/model"
)

const eventWait = 3 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	email    string
	name     string
	password string
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("rotactl", pflag.ContinueOnError)
	config.ClientFlags(flagSet)
	flagSet.StringVar(&opts.email, "email", "", "account email (login, register)")
	flagSet.StringVar(&opts.name, "name", "", "display name (register)")
	flagSet.StringVar(&opts.password, "password", "", "account password; prompted when empty")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return nil
	}

	cfg, err := config.LoadClient(flagSet)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	creds, err := credential.Open(cfg.KeyringDir)
	if err != nil {
		return err
	}
	c := client.New(client.Options{
		ServerURL:   cfg.ServerURL,
		BaseDelay:   cfg.BaseDelay,
		MaxAttempts: cfg.MaxAttempts,
	}, creds, logger)
	defer c.Channel().Disconnect()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "register":
		return register(ctx, c, opts)
	case "login":
		return login(ctx, c, opts)
	}

	ok, err := c.Restore(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("not logged in; run rotactl login")
	}

	switch cmd {
	case "logout":
		return c.Logout(ctx)
	case "whoami":
		u := c.Session().User()
		fmt.Printf("%s <%s> (%s)\n", u.Name, u.Email, u.ID)
		return nil
	case "list":
		printChores(os.Stdout, c.Store().Chores())
		return nil
	case "show":
		return show(c, cmdArgs)
	case "watch":
		return watch(ctx, c)
	case "create":
		return create(ctx, c, cmdArgs)
	case "rename":
		if err := need(cmdArgs, 2, "rename <chore-id> <name>"); err != nil {
			return err
		}
		return mutate(ctx, c, cmdArgs[0], func() error {
			return c.Store().Rename(ctx, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
		})
	case "delete":
		if err := need(cmdArgs, 1, "delete <chore-id>"); err != nil {
			return err
		}
		if err := c.Store().Delete(ctx, cmdArgs[0]); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	case "join":
		if err := need(cmdArgs, 1, "join <chore-id>"); err != nil {
			return err
		}
		if err := c.Store().Join(ctx, cmdArgs[0]); err != nil {
			return err
		}
		return show(c, cmdArgs[:1])
	case "leave":
		if err := need(cmdArgs, 1, "leave <chore-id>"); err != nil {
			return err
		}
		if err := c.Store().Leave(ctx, cmdArgs[0]); err != nil {
			return err
		}
		fmt.Println("left")
		return nil
	case "add":
		if err := need(cmdArgs, 2, "add <chore-id> <email>"); err != nil {
			return err
		}
		return mutate(ctx, c, cmdArgs[0], func() error {
			return c.Store().AddPerson(ctx, cmdArgs[0], cmdArgs[1])
		})
	case "remove":
		if err := need(cmdArgs, 2, "remove <chore-id> <person-id>"); err != nil {
			return err
		}
		return mutate(ctx, c, cmdArgs[0], func() error {
			return c.Store().RemovePerson(ctx, cmdArgs[0], cmdArgs[1])
		})
	case "advance":
		if err := need(cmdArgs, 1, "advance <chore-id>"); err != nil {
			return err
		}
		return mutate(ctx, c, cmdArgs[0], func() error {
			return c.Store().AdvanceQueue(ctx, cmdArgs[0])
		})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: rotactl %s", usage)
	}
	return nil
}

func readPassword(opts options) (string, error) {
	if opts.password != "" {
		return opts.password, nil
	}
	if p := os.Getenv("ROTA_PASSWORD"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for password prompt (use --password or ROTA_PASSWORD)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func register(ctx context.Context, c *client.Client, opts options) error {
	if opts.email == "" || opts.name == "" {
		return fmt.Errorf("usage: rotactl register --email <email> --name <name>")
	}
	password, err := readPassword(opts)
	if err != nil {
		return err
	}
	if err := c.Register(ctx, opts.email, opts.name, password); err != nil {
		return err
	}
	fmt.Printf("registered as %s\n", c.Session().User().Email)
	return nil
}

func login(ctx context.Context, c *client.Client, opts options) error {
	if opts.email == "" {
		return fmt.Errorf("usage: rotactl login --email <email>")
	}
	password, err := readPassword(opts)
	if err != nil {
		return err
	}
	if err := c.Login(ctx, opts.email, password); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", c.Session().User().Email)
	return nil
}

func create(ctx context.Context, c *client.Client, args []string) error {
	if err := need(args, 1, "create <name>"); err != nil {
		return err
	}
	created, err := c.Store().Create(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	waitFor(c, func() bool {
		_, ok := c.Store().Get(created.ID)
		return ok
	})
	fmt.Println(created.ID)
	return nil
}

// mutate runs fn and prints the chore once the resulting event has been
// applied, or after eventWait if it never arrives.
func mutate(ctx context.Context, c *client.Client, choreID string, fn func() error) error {
	before, _ := c.Store().Get(choreID)
	if err := fn(); err != nil {
		return err
	}
	waitFor(c, func() bool {
		after, ok := c.Store().Get(choreID)
		return !ok || !after.Equal(&before)
	})
	return show(c, []string{choreID})
}

func waitFor(c *client.Client, cond func() bool) {
	changed := make(chan struct{}, 1)
	unsubscribe := c.Store().Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timeout := time.After(eventWait)
	for !cond() {
		select {
		case <-changed:
		case <-timeout:
			return
		}
	}
}

func show(c *client.Client, args []string) error {
	if err := need(args, 1, "show <chore-id>"); err != nil {
		return err
	}
	ch, ok := c.Store().Get(args[0])
	if !ok {
		return fmt.Errorf("chore %q not found", args[0])
	}
	printChore(os.Stdout, ch, c.Session().UserID())
	return nil
}

func watch(ctx context.Context, c *client.Client) error {
	changed := make(chan struct{}, 1)
	unsubscribe := c.Store().Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	printChores(os.Stdout, c.Store().Chores())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			fmt.Println()
			printChores(os.Stdout, c.Store().Chores())
		case herr := <-c.Channel().Errors():
			fmt.Fprintf(os.Stderr, "event handler failed: %v\n", herr)
		}
	}
}

func printChores(w io.Writer, chores []model.Chore) {
	if len(chores) == 0 {
		fmt.Fprintln(w, "no chores")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPEOPLE\tUP NEXT")
	for _, ch := range chores {
		next := "-"
		if h, ok := ch.CurrentHolder(); ok {
			next = h.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ch.ID, ch.Name, len(ch.People), next)
	}
	tw.Flush()
}

func printChore(w io.Writer, ch model.Chore, me string) {
	role := "member"
	if ch.IsOwner(me) {
		role = "owner"
	}
	fmt.Fprintf(w, "%s (%s)\nid: %s\n", ch.Name, role, ch.ID)
	if len(ch.People) == 0 {
		fmt.Fprintln(w, "no one in the rotation")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, p := range ch.People {
		marker := " "
		if i == ch.CurrentPersonIndex {
			marker = ">"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", marker, p.Name, p.ID)
	}
	tw.Flush()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `rotactl: command-line client for rota

Usage:
  rotactl [flags] <command> [args]

Commands:
  register --email E --name N   create an account and log in
  login --email E               log in
  logout                        log out and forget the saved session
  whoami                        show the signed-in account
  list                          list your chores
  show <chore-id>               show one chore's rotation
  watch                         print the chore list on every change
  create <name>                 create a chore
  rename <chore-id> <name>      rename a chore (owner)
  delete <chore-id>             delete a chore (owner)
  join <chore-id>               join a chore by id
  leave <chore-id>              leave a chore (members)
  add <chore-id> <email>        add a person to the rotation
  remove <chore-id> <person-id> remove a person (owner)
  advance <chore-id>            pass the turn to the next person

Flags:
%s`, flagSet.FlagUsages())
}
