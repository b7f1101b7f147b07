// Command soloist is a diagnostic driver for the coordination protocol: the
// first invocation per identity becomes primary and prints what it
// receives, later invocations forward their arguments to it.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	flag "github.com/spf13/pflag"

	"github.com/soloist-io/soloist"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		appName     = flag.String("app", "soloist-demo", "application name fed into the identity token")
		orgName     = flag.String("org", "soloist", "organization name fed into the identity token")
		orgDomain   = flag.String("domain", "soloist.example", "organization domain fed into the identity token")
		appVersion  = flag.String("app-version", "", "application version fed into the identity token")
		dir         = flag.String("dir", "", "coordination directory (default: OS temp dir)")
		userScope   = flag.Bool("user-scope", false, "coordinate per OS user instead of host-wide")
		notify      = flag.Bool("notify-secondary", false, "announce quiet secondary launches too")
		takeover    = flag.Bool("takeover-stale", false, "reclaim primaryship from a crashed primary")
		timeout     = flag.Duration("timeout", 5*time.Second, "connect/send timeout for secondaries")
		quietLaunch = flag.Bool("quiet", false, "register as SecondaryInstance instead of NewInstance")
		verbose     = flag.Bool("verbose", false, "log coordination internals to stderr")
	)
	flag.Parse()

	l := log15.New("app", *appName)
	if !*verbose {
		l.SetHandler(log15.DiscardHandler())
	}

	opts := []soloist.Option{
		soloist.WithLogger(l),
		soloist.WithInstanceStartedHandler(func() {
			fmt.Println("instance started")
		}),
		soloist.WithMessageHandler(func(id uint32, payload []byte) {
			fmt.Printf("message from instance %d: %s\n", id, payload)
		}),
	}
	if *dir != "" {
		opts = append(opts, soloist.WithCoordinationDir(*dir))
	}
	if *userScope {
		opts = append(opts, soloist.WithUserScope())
	}
	if *notify {
		opts = append(opts, soloist.WithSecondaryNotification())
	}
	if *takeover {
		opts = append(opts, soloist.WithTakeoverStalePrimary())
	}

	id := soloist.Identity{
		AppName:    *appName,
		OrgName:    *orgName,
		OrgDomain:  *orgDomain,
		AppVersion: *appVersion,
	}
	single, err := soloist.New(id, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "soloist: %v\n", err)
		return 1
	}
	defer single.Stop()

	if single.IsPrimary() {
		fmt.Printf("primary (pid %d); waiting for instances, ^C to exit\n", os.Getpid())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return 0
	}

	kind := soloist.NewInstance
	if *quietLaunch {
		kind = soloist.SecondaryInstance
	}
	if !single.ConnectToPrimary(*timeout, kind) {
		fmt.Fprintf(os.Stderr, "soloist: no reachable primary within %v (recorded pid %d, user %q)\n",
			*timeout, single.PrimaryPid(), single.PrimaryUser())
		return 1
	}
	fmt.Printf("secondary %d: primary is pid %d run by %q\n",
		single.InstanceID(), single.PrimaryPid(), single.PrimaryUser())
	if args := flag.Args(); len(args) > 0 {
		if !single.SendMessage([]byte(strings.Join(args, " ")), *timeout) {
			fmt.Fprintln(os.Stderr, "soloist: message not acknowledged")
			return 1
		}
	}
	return 0
}
