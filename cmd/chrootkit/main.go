// Command chrootkit is the CLI front end: a minimal flag-based wrapper
// wiring the catalog, authentication gate, and session engine together, in
// the teacher's manager/main.go style (plain flag package, init()-time
// binding, fatal-log-and-exit on setup error — no cobra/viper).
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"github.com/chrootkit/chrootkit/auth"
	"github.com/chrootkit/chrootkit/catalog"
	"github.com/chrootkit/chrootkit/detail"
	"github.com/chrootkit/chrootkit/internal/daemoncfg"
	"github.com/chrootkit/chrootkit/internal/log"
	"github.com/chrootkit/chrootkit/session"
)

const defConfigLoc = "/etc/chrootkit/daemon.cfg"

var (
	cfgFlag = flag.String("config", "", "Override bootstrap config file path")

	chrootFlag  multiFlag
	userFlag    = flag.String("u", "", "Run as this user (default: the invoking user)")
	beginFlag   = flag.Bool("begin", false, "Begin a session without running it")
	runFlag     = flag.Bool("run", false, "Run a previously begun session")
	recoverFlag = flag.Bool("recover", false, "Recover a previously begun session")
	endFlag     = flag.Bool("end", false, "End a previously begun session")
	locFlag     = flag.Bool("location", false, "Print the filesystem location of named chroots/sessions")
	infoFlag    = flag.Bool("info", false, "Print detailed information about named chroots/sessions")
	quietFlag   = flag.Bool("quiet", false, "Suppress non-essential --info output")
	authHelper  = flag.String("auth-helper", "/sbin/unix_chkpwd", "External helper invoked to verify a password (argv[1]=user, password on stdin)")
)

// multiFlag implements flag.Value, collecting repeated -c flags in order.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func init() {
	flag.Var(&chrootFlag, "c", "Chroot or session name (repeatable)")
}

func main() {
	if session.IsReexecChild(os.Args) {
		if err := session.ReexecChild(); err != nil {
			fmt.Fprintln(os.Stderr, "chrootkit:", err)
			os.Exit(1)
		}
		return
	}

	flag.Parse()

	cfgPath := defConfigLoc
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}
	cfg := daemoncfg.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err = daemoncfg.Load(cfgPath)
		if err != nil {
			fatalf("failed to load %s: %v", cfgPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		fatalf("invalid bootstrap config: %v", err)
	}

	lg, err := openLogger(cfg)
	if err != nil {
		fatalf("failed to open logger: %v", err)
	}
	defer lg.Close()

	templates := catalog.New(lg)
	if err := templates.AddLocation(cfg.MainConfigFile(), false); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatalf("failed to load %s: %v", cfg.MainConfigFile(), err)
	}
	if err := templates.AddLocation(cfg.ChrootDropinDir(), false); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatalf("failed to load %s: %v", cfg.ChrootDropinDir(), err)
	}

	sessions := catalog.New(lg)
	if err := sessions.AddLocation(cfg.SessionDir(), true); err != nil && !errors.Is(err, os.ErrNotExist) {
		fatalf("failed to load %s: %v", cfg.SessionDir(), err)
	}

	names := []string(chrootFlag)
	if len(names) == 0 {
		fatalf("at least one -c <chroot> is required")
	}

	ruid := os.Getuid()
	ruser := lookupName(ruid)
	targetUser := *userFlag
	if targetUser == "" {
		targetUser = ruser
	}
	u, err := user.Lookup(targetUser)
	if err != nil {
		fatalf("unknown user %q: %v", targetUser, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		fatalf("invalid uid for %q: %v", targetUser, err)
	}

	if *locFlag {
		runLocation(templates, sessions, names)
		return
	}
	if *infoFlag {
		runInfo(templates, sessions, names, *quietFlag)
		return
	}

	selfExe, err := os.Executable()
	if err != nil {
		fatalf("failed to resolve own executable path: %v", err)
	}

	engine := &session.Engine{
		Templates: templates,
		Sessions:  sessions,
		Cfg:       cfg,
		Runner:    session.NewScriptRunner(cfg.ScriptRunnerPath()),
		Gate:      auth.NewGate(osGroupLookup{}),
		Conv:      auth.NewTTYConversation(os.Stdin, os.Stdout, os.Stderr),
		Verify:    verifyViaHelper(*authHelper),
		Lg:        lg,
		SelfExe:   selfExe,
	}

	command := trailingCommand()

	switch {
	case *beginFlag:
		ids, err := engine.Begin(ruid, ruser, uid, targetUser, false, names)
		if err != nil {
			fatalf("begin: %v", err)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	case *recoverFlag:
		if err := engine.Recover(ruid, ruser, uid, targetUser, names); err != nil {
			fatalf("recover: %v", err)
		}
	case *runFlag:
		res, err := engine.Run(ruid, ruser, uid, targetUser, names, command)
		reportResult(res, err)
	case *endFlag:
		if err := engine.End(ruid, ruser, uid, targetUser, names); err != nil {
			fatalf("end: %v", err)
		}
	default:
		res, err := engine.Automatic(ruid, ruser, uid, targetUser, false, names, command)
		reportResult(res, err)
	}
}

func reportResult(res *session.Result, err error) {
	for _, cr := range res.Chroots {
		if cr.Err != nil {
			fmt.Fprintf(os.Stderr, "chrootkit: %s: %v\n", cr.Name, cr.Err)
		}
	}
	if err != nil && res.ExitStatus == 0 {
		os.Exit(1)
	}
	os.Exit(res.ExitStatus)
}

func runLocation(templates, sessions *catalog.Catalog, names []string) {
	eng := &session.Engine{Templates: templates, Sessions: sessions}
	locs, errs := eng.Location(names)
	for _, n := range names {
		if loc, ok := locs[n]; ok {
			fmt.Println(loc)
		}
	}
	for _, err := range errs {
		fmt.Fprintln(os.Stderr, "chrootkit:", err)
	}
	if len(errs) > 0 {
		os.Exit(1)
	}
}

func runInfo(templates, sessions *catalog.Catalog, names []string, quiet bool) {
	var failed bool
	for _, n := range names {
		c, ok := sessions.FindAlias(n)
		if !ok {
			c, ok = templates.FindAlias(n)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "chrootkit: %s: not found\n", n)
			failed = true
			continue
		}
		fmt.Print(detail.Print(c, quiet))
	}
	if failed {
		os.Exit(1)
	}
}

// trailingCommand returns the argv after a literal "--" separator, if any.
func trailingCommand() []string {
	for i, a := range os.Args {
		if a == "--" {
			return os.Args[i+1:]
		}
	}
	return nil
}

func lookupName(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return strconv.Itoa(uid)
	}
	return u.Username
}

// osGroupLookup implements auth.GroupLookup against the system's user/group
// database via os/user, the way the teacher resolves identities elsewhere
// with plain stdlib lookups rather than hand-rolled /etc/group parsing.
type osGroupLookup struct{}

func (osGroupLookup) GroupsForUser(username string) ([]string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(gids))
	for _, gid := range gids {
		g, err := user.LookupGroupId(gid)
		if err != nil {
			continue
		}
		names = append(names, g.Name)
	}
	return names, nil
}

// verifyViaHelper shells out to an external suid helper the way su/sudo
// delegate shadow-password verification to a dedicated binary rather than
// linking crypt(3) directly; helperPath not existing or exiting non-zero is
// treated as verification failure.
func verifyViaHelper(helperPath string) func(ruser, password string) error {
	return func(ruser, password string) error {
		cmd := exec.Command(helperPath, ruser)
		cmd.Stdin = strings.NewReader(password + "\n")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("password verification failed: %w", err)
		}
		return nil
	}
}

func openLogger(cfg daemoncfg.Config) (*log.Logger, error) {
	var lg *log.Logger
	var err error
	if cfg.LogFile != "" {
		lg, err = log.NewFile(cfg.LogFile)
	} else {
		lg = log.NewDiscardLogger()
	}
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		if err := lg.SetLevelString(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return lg, nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "chrootkit: "+format+"\n", args...)
	os.Exit(1)
}
