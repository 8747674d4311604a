// Command teectl is the control CLI for teebrokerd. It reads, stores and
// deletes the authentication token through the registry socket and shows
// diagnostics from the debug socket.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"teebroker/internal/debug"
	"teebroker/internal/regclient"
	"teebroker/pkg/protocol"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
)

const version = "1.0.0"

func main() {
	flagSet := pflag.NewFlagSet("teectl", pflag.ContinueOnError)
	socket := flagSet.String("socket", protocol.DefaultSocketName, "registry socket name")
	debugSocket := flagSet.String("debug-socket", protocol.DefaultDebugSocketName, "debug socket name")
	output := flagSet.StringP("output", "o", "", "write to `FILE` instead of stdout (read, partition-dump)")
	timeout := flagSet.Duration("timeout", 5*time.Second, "timeout for each request")
	showVersion := flagSet.BoolP("version", "v", false, "show version")
	flagSet.Usage = func() { usage(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Printf("teectl %s\n", version)
		return
	}
	if flagSet.NArg() < 1 {
		usage(flagSet)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flagSet.Args()
	switch args[0] {
	case "read":
		if err := readToken(ctx, *socket, *output); err != nil {
			fatal("read: %v", err)
		}
	case "store":
		if len(args) < 2 {
			fatal("store requires a token file")
		}
		if err := storeToken(ctx, *socket, args[1]); err != nil {
			fatal("store: %v", err)
		}
		fmt.Println("Token stored")
	case "delete":
		if err := deleteToken(ctx, *socket); err != nil {
			fatal("delete: %v", err)
		}
		fmt.Println("Token deleted")
	case "status":
		if err := status(ctx, *debugSocket); err != nil {
			fatal("status: %v", err)
		}
	case "last-crash":
		if err := lastCrash(ctx, *debugSocket); err != nil {
			fatal("last-crash: %v", err)
		}
	case "partition-dump":
		if len(args) < 2 {
			fatal("partition-dump requires a partition number")
		}
		if err := partitionDump(ctx, *debugSocket, args[1], *output); err != nil {
			fatal("partition-dump: %v", err)
		}
	case "partition-restore":
		if len(args) < 3 {
			fatal("partition-restore requires a partition number and a file")
		}
		if err := partitionRestore(ctx, *debugSocket, args[1], args[2]); err != nil {
			fatal("partition-restore: %v", err)
		}
		fmt.Println("Partition restored")
	case "partition-erase":
		if len(args) < 2 {
			fatal("partition-erase requires a partition number")
		}
		if err := partitionErase(ctx, *debugSocket, args[1]); err != nil {
			fatal("partition-erase: %v", err)
		}
		fmt.Println("Partition erased")
	default:
		fatal("unknown command: %s", args[0])
	}
}

func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "teectl v%s - teebrokerd control interface\n\n", version)
	fmt.Fprintf(os.Stderr, "Usage: teectl [options] <command>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  read [-o FILE]      Read the authentication token\n")
	fmt.Fprintf(os.Stderr, "  store FILE          Store FILE as the authentication token\n")
	fmt.Fprintf(os.Stderr, "  delete              Demote the token to its backup\n")
	fmt.Fprintf(os.Stderr, "  status              Show daemon status\n")
	fmt.Fprintf(os.Stderr, "  last-crash          Print the most recent secure world crash dump\n")
	fmt.Fprintf(os.Stderr, "  partition-dump N    Copy secure storage partition N [-o FILE]\n")
	fmt.Fprintf(os.Stderr, "  partition-restore N FILE\n")
	fmt.Fprintf(os.Stderr, "                      Replace partition N with FILE\n")
	fmt.Fprintf(os.Stderr, "  partition-erase N   Remove partition N\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func dial(ctx context.Context, socket string) (*regclient.Client, error) {
	c, err := regclient.Dial(ctx, socket)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.SetTimeout(time.Until(deadline))
	}
	return c, nil
}

func readToken(ctx context.Context, socket, output string) error {
	c, err := dial(ctx, socket)
	if err != nil {
		return err
	}
	defer c.Close()

	token, err := c.ReadToken()
	if err != nil {
		if regclient.IsNotFound(err) {
			return fmt.Errorf("no token stored")
		}
		return err
	}
	if output == "" {
		_, err = os.Stdout.Write(token)
		return err
	}
	return os.WriteFile(output, token, 0600)
}

func storeToken(ctx context.Context, socket, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := dial(ctx, socket)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.StoreToken(data)
}

func deleteToken(ctx context.Context, socket string) error {
	c, err := dial(ctx, socket)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.DeleteToken()
}

func status(ctx context.Context, socket string) error {
	resp, err := debug.Query(ctx, socket, debug.ActionStatus)
	if err != nil {
		return err
	}
	var st debug.StatusData
	if err := resp.Decode(&st); err != nil {
		return err
	}

	fmt.Printf("State: %s\n", st.State)
	fmt.Printf("Driver: %s\n", st.DriverVersion)
	fmt.Printf("TEE: %s\n", st.Product)
	fmt.Printf("Crashes: %d\n", st.Crashes)
	if st.LastCrash != 0 {
		fmt.Printf("Last crash: %s\n", time.Unix(0, st.LastCrash).Format(time.RFC3339))
	}
	fmt.Printf("Next request: %d\n", st.NextRequestID)

	if len(st.Partitions) == 0 {
		return nil
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tSIZE\tPATH")
	for _, p := range st.Partitions {
		size := "-"
		if p.Exists {
			size = fmt.Sprintf("%d", p.Size)
		}
		fmt.Fprintf(w, "%X\t%s\t%s\n", p.Index, size, p.Path)
	}
	return w.Flush()
}

func lastCrash(ctx context.Context, socket string) error {
	resp, err := debug.Query(ctx, socket, debug.ActionLastCrash)
	if err != nil {
		return err
	}
	var crash debug.CrashData
	if err := resp.Decode(&crash); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s\n", crash.Name)
	_, err = os.Stdout.Write(crash.Dump)
	return err
}

func partitionIndex(arg string) (int, error) {
	i, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid partition %q", arg)
	}
	return i, nil
}

// ask sends req and fails on an error response.
func ask(ctx context.Context, socket string, req debug.Request) (*debug.Response, error) {
	resp, err := debug.Do(ctx, socket, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func partitionDump(ctx context.Context, socket, arg, output string) error {
	i, err := partitionIndex(arg)
	if err != nil {
		return err
	}
	resp, err := ask(ctx, socket, debug.Request{Action: debug.ActionPartitionDump, Partition: i})
	if err != nil {
		return err
	}
	var pd debug.PartitionData
	if err := resp.Decode(&pd); err != nil {
		return err
	}
	if output == "" {
		_, err = os.Stdout.Write(pd.Data)
		return err
	}
	return os.WriteFile(output, pd.Data, 0600)
}

func partitionRestore(ctx context.Context, socket, arg, path string) error {
	i, err := partitionIndex(arg)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = ask(ctx, socket, debug.Request{Action: debug.ActionPartitionRestore, Partition: i, Data: data})
	return err
}

func partitionErase(ctx context.Context, socket, arg string) error {
	i, err := partitionIndex(arg)
	if err != nil {
		return err
	}
	_, err = ask(ctx, socket, debug.Request{Action: debug.ActionPartitionErase, Partition: i})
	return err
}
