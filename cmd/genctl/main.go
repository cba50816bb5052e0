package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genstudio/pkg/genclient"
)

type imageList []string

func (l *imageList) String() string     { return strings.Join(*l, ",") }
func (l *imageList) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	_ = godotenv.Load()

	var (
		configFlag string
		serverFlag string
		tokenFlag  string
	)
	flag.StringVar(&configFlag, "config", "", "YAML config file (default ~/.genstudio/genctl.yaml)")
	flag.StringVar(&serverFlag, "server", "", "API base URL")
	flag.StringVar(&tokenFlag, "token", os.Getenv("GENSTUDIO_ACCESS_TOKEN"), "Supabase access token")
	flag.Usage = usage
	flag.Parse()

	path, explicit := configFlag, configFlag != ""
	if !explicit {
		path = filepath.Join(defaultConfig().StateDir, "genctl.yaml")
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		exitWithError(err)
	}
	if serverFlag != "" {
		cfg.Server = serverFlag
	}
	if tokenFlag != "" {
		cfg.AccessToken = tokenFlag
	}

	client, err := genclient.New(genclient.Options{BaseURL: cfg.Server, AccessToken: cfg.AccessToken, Timeout: cfg.Timeout})
	if err != nil {
		exitWithError(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "generate":
		err = runGenerate(ctx, cfg, client, args[1:])
	case "resume":
		err = runResume(ctx, cfg, client)
	case "credits":
		err = runCredits(ctx, client)
	case "usage":
		err = runUsage(ctx, cfg, client)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		exitWithError(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: genctl [-config FILE] [-server URL] [-token TOKEN] <command>")
	fmt.Fprintln(os.Stderr, "  generate -prompt TEXT [-size 1:1|3:2|2:3] [-image FILE|URL]... [-turnstile TOKEN]")
	fmt.Fprintln(os.Stderr, "  resume     continue polling a task left by an earlier run")
	fmt.Fprintln(os.Stderr, "  credits    show the authenticated credit balance")
	fmt.Fprintln(os.Stderr, "  usage      show anonymous usage")
}

func newSession(cfg config, client *genclient.Client) (*genclient.Session, error) {
	return genclient.NewSession(genclient.SessionOptions{
		Client:   client,
		Store:    genclient.NewFilePendingStore(filepath.Join(cfg.StateDir, "pending.json")),
		Usage:    genclient.NewUsageCounter(filepath.Join(cfg.StateDir, "usage.json")),
		Interval: cfg.PollInterval,
		OnPoll: func(resp *genclient.StatusResponse) {
			fmt.Fprintf(os.Stderr, "%s status=%s\n", time.Now().Format(time.TimeOnly), resp.Status)
		},
	})
}

func runGenerate(ctx context.Context, cfg config, client *genclient.Client, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	var (
		promptFlag    string
		sizeFlag      string
		turnstileFlag string
		images        imageList
	)
	fs.StringVar(&promptFlag, "prompt", "", "text prompt")
	fs.StringVar(&sizeFlag, "size", "", "aspect ratio (1:1, 3:2 or 2:3)")
	fs.StringVar(&turnstileFlag, "turnstile", os.Getenv("GENSTUDIO_TURNSTILE_TOKEN"), "Turnstile token for anonymous use")
	fs.Var(&images, "image", "reference image file or URL (repeatable)")
	_ = fs.Parse(args)

	refs := make([]string, 0, len(images))
	for _, img := range images {
		ref, err := imageRef(img)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	sess, err := newSession(cfg, client)
	if err != nil {
		return err
	}
	defer sess.Close()

	taskID, err := sess.Submit(ctx, genclient.Input{
		Prompt:         promptFlag,
		Size:           sizeFlag,
		Images:         refs,
		TurnstileToken: turnstileFlag,
	})
	if taskID == "" {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "task %s created\n", taskID)
	return await(ctx, sess)
}

func runResume(ctx context.Context, cfg config, client *genclient.Client) error {
	sess, err := newSession(cfg, client)
	if err != nil {
		return err
	}
	defer sess.Close()

	resumed, err := sess.Resume()
	if err != nil {
		return err
	}
	if !resumed {
		fmt.Fprintln(os.Stderr, "no pending task")
		return nil
	}
	fmt.Fprintf(os.Stderr, "resumed task %s\n", sess.Result().TaskID)
	return await(ctx, sess)
}

func await(ctx context.Context, sess *genclient.Session) error {
	res, err := sess.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted; run `genctl resume` to continue")
			return nil
		}
		return err
	}
	if res.State == genclient.StateSucceeded {
		fmt.Println(res.Image)
		return nil
	}
	return errors.New(res.Error)
}

func runCredits(ctx context.Context, client *genclient.Client) error {
	if !client.Authenticated() {
		return errors.New("credits need -token or access_token in the config")
	}
	balance, err := client.Credits(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("credits=%d\n", balance)
	return nil
}

func runUsage(ctx context.Context, cfg config, client *genclient.Client) error {
	counter := genclient.NewUsageCounter(filepath.Join(cfg.StateDir, "usage.json"))
	used, err := counter.Used()
	if err != nil {
		return err
	}
	visitorID, err := counter.VisitorID()
	if err != nil {
		return err
	}
	fmt.Printf("visitor=%s used=%d remaining=%d\n", visitorID, used, genclient.FreeMaxCredits-used)
	if mirror, err := client.Usage(ctx, visitorID); err == nil {
		fmt.Printf("server mirror used=%d\n", mirror.Used)
	}
	return nil
}

// imageRef passes URLs through and turns files into data URLs.
func imageRef(v string) (string, error) {
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return v, nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return "", err
	}
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
