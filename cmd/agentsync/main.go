package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	args := commandArgs(os.Args[1:])
	if len(args) == 0 {
		showUsage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "upload":
		err = runUpload(args[1:])
	case "send":
		err = runSend(args[1:])
	case "watch":
		err = runWatch(args[1:])
	case "history":
		err = runHistory(args[1:])
	case "decide":
		err = runDecide(args[1:])
	case "encrypt":
		err = runEncrypt(args[1:])
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentsync --help' for usage information.\n", args[0])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentsync - sync client for agent sessions

USAGE:
    agentsync COMMAND [ARGS] [FLAGS]

COMMANDS:
    upload <file>                        Upload an image and print its descriptor
    send <session> [--image file] <text> Send a message to a session
    watch <session>                      Stream session events until interrupted
    history [session]                    List stored sessions, or print one history
    decide <session> <message-id> <approved|approved_for_session|denied|abort> [tool...]
                                         Answer a pending permission request
    encrypt <value>                      Encrypt a secret for the config file
    doctor                               Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./agentsync.yaml)

CONFIGURATION:
    Config file: ./agentsync.yaml, or AGENTSYNC_CONFIG
    Environment: AGENTSYNC_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with AGENTSYNC_CONFIG_KEY`)
}

// commandArgs drops the --config flag and its value from args.
func commandArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

// configPath returns the --config flag value, AGENTSYNC_CONFIG, or the default.
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("AGENTSYNC_CONFIG"); p != "" {
		return p
	}
	return "agentsync.yaml"
}
