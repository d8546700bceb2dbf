// conductorctl is the operator CLI for the Operator Control Surface
// (§6.3): one subcommand per action in the table, plus a start-run
// command for convenience.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
)

const defaultServer = "http://localhost:8080"

type cliConfig struct {
	server     string
	actorName  string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server)
	ctx := context.Background()

	switch command {
	case "start-run":
		err = runStartRun(ctx, client, cfg, args)
	case "approve-plan", "revise-plan", "reject-and-cancel", "retry", "cancel", "pause", "resume", "deny-policy-exception":
		err = runSimpleAction(ctx, client, cfg, command, args)
	case "grant-policy-exception":
		err = runGrantPolicyException(ctx, client, cfg, args)
	case "version":
		fmt.Printf("conductorctl %s (commit: %s)\n", version, commit)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:    defaultServer,
		actorName: os.Getenv("CONDUCTORCTL_ACTOR"),
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--actor":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--actor requires a value")
			}
			cfg.actorName = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: conductorctl [--server <url>] [--actor <name>] [--json] <command>

Commands:
  start-run --task <id> --project <id> --repo <id> --run-number <n> [--comment <text>]
  approve-plan <run-id> [--comment <text>]
  revise-plan <run-id> [--comment <text>]
  reject-and-cancel <run-id> [--comment <text>]
  retry <run-id> [--comment <text>]
  cancel <run-id> [--comment <text>]
  pause <run-id> [--comment <text>]
  resume <run-id> [--comment <text>]
  grant-policy-exception <run-id> --scope <this_run|this_task|this_repo|project_wide> [--allow-path <glob>]... [--comment <text>]
  deny-policy-exception <run-id> [--comment <text>]
  version                   Print the client version
`)
}

func actor(cfg cliConfig) ActionRequest {
	name := cfg.actorName
	if name == "" {
		name = "operator"
	}
	return ActionRequest{ActorType: "human", ActorDisplayName: name}
}

func popFlag(args []string, name string) (string, []string, bool) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			rest := append(append([]string{}, args[:i]...), args[i+2:]...)
			return args[i+1], rest, true
		}
	}
	return "", args, false
}

func runStartRun(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	taskID, args, _ := popFlag(args, "--task")
	projectID, args, _ := popFlag(args, "--project")
	repoID, args, _ := popFlag(args, "--repo")
	runNumberStr, args, _ := popFlag(args, "--run-number")
	comment, _, _ := popFlag(args, "--comment")

	if taskID == "" || projectID == "" || repoID == "" || runNumberStr == "" {
		return fmt.Errorf("usage: conductorctl start-run --task <id> --project <id> --repo <id> --run-number <n>")
	}
	runNumber, err := strconv.Atoi(runNumberStr)
	if err != nil {
		return fmt.Errorf("--run-number must be an integer: %w", err)
	}

	req := StartRunRequest{
		ActionRequest: actor(cfg),
		TaskID:        taskID,
		ProjectID:     projectID,
		RepoID:        repoID,
		RunNumber:     runNumber,
	}
	req.Comment = comment

	run, err := client.StartRun(ctx, req)
	if err != nil {
		return err
	}
	return printOrJSON(cfg, run)
}

func runSimpleAction(ctx context.Context, client *APIClient, cfg cliConfig, command string, args []string) error {
	comment, args, _ := popFlag(args, "--comment")
	if len(args) != 1 {
		return fmt.Errorf("usage: conductorctl %s <run-id>", command)
	}
	req := actor(cfg)
	req.Comment = comment

	run, err := client.Action(ctx, args[0], command, req)
	if err != nil {
		return err
	}
	return printOrJSON(cfg, run)
}

func runGrantPolicyException(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	scope, args, _ := popFlag(args, "--scope")
	allowPath, args, hasAllowPath := popFlag(args, "--allow-path")
	comment, args, _ := popFlag(args, "--comment")
	if len(args) != 1 || scope == "" {
		return fmt.Errorf("usage: conductorctl grant-policy-exception <run-id> --scope <scope> [--allow-path <glob>] [--comment <text>]")
	}

	req := GrantPolicyExceptionRequest{ActionRequest: actor(cfg), Scope: scope}
	if hasAllowPath {
		req.Constraints.AllowedPaths = []string{allowPath}
	}
	req.Comment = comment

	run, err := client.GrantPolicyException(ctx, args[0], req)
	if err != nil {
		return err
	}
	return printOrJSON(cfg, run)
}

func printOrJSON(cfg cliConfig, run *Run) error {
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, run)
	}
	printRun(os.Stdout, run)
	return nil
}
