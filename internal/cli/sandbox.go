package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sandboxhq/fcbox/internal/controlapi"
	"github.com/sandboxhq/fcbox/internal/controlclient"
	"github.com/sandboxhq/fcbox/internal/endpoint"
)

type ClientFlags struct {
	Host string `help:"Control-plane endpoint (unix://path or http://host:port)"`
	JSON bool   `help:"Print JSON output"`
}

func (f ClientFlags) client(ctx *runtimeContext) (*controlclient.Client, error) {
	host := f.Host
	if host == "" {
		host = ctx.Config.Server.Listen
	}
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	return controlclient.New(ep)
}

type SandboxCommand struct {
	Create   SandboxCreateCommand   `cmd:"" help:"Boot a sandbox, or restore one from a snapshot"`
	List     SandboxListCommand     `cmd:"" help:"List running sandboxes"`
	Get      SandboxGetCommand      `cmd:"" help:"Show one sandbox"`
	Exec     SandboxExecCommand     `cmd:"" help:"Run a shell command inside a sandbox"`
	Pause    SandboxPauseCommand    `cmd:"" help:"Pause a sandbox"`
	Resume   SandboxResumeCommand   `cmd:"" help:"Resume a paused sandbox"`
	Snapshot SandboxSnapshotCommand `cmd:"" help:"Snapshot a sandbox"`
	Destroy  SandboxDestroyCommand  `cmd:"" help:"Stop a sandbox and delete its files"`
}

type SnapshotCommand struct {
	List   SnapshotListCommand   `cmd:"" help:"List saved snapshots"`
	Delete SnapshotDeleteCommand `cmd:"" help:"Delete a saved snapshot"`
}

type SandboxCreateCommand struct {
	ClientFlags  `embed:""`
	Snapshot     string `help:"Restore from this snapshot id"`
	SnapshotPath string `help:"Restore from this snapshot directory"`
}

type SandboxListCommand struct {
	ClientFlags `embed:""`
}

type SandboxGetCommand struct {
	ClientFlags `embed:""`
	ID          string `arg:"" help:"Sandbox id"`
}

type SandboxExecCommand struct {
	ClientFlags `embed:""`
	ID          string   `arg:"" help:"Sandbox id"`
	Command     []string `arg:"" passthrough:"" required:"" help:"Command to run"`
}

type SandboxPauseCommand struct {
	ClientFlags `embed:""`
	ID          string `arg:"" help:"Sandbox id"`
}

type SandboxResumeCommand struct {
	ClientFlags `embed:""`
	ID          string `arg:"" help:"Sandbox id"`
}

type SandboxSnapshotCommand struct {
	ClientFlags `embed:""`
	ID          string `arg:"" help:"Sandbox id"`
	SnapshotID  string `help:"Snapshot id (generated when empty)"`
}

type SandboxDestroyCommand struct {
	ClientFlags `embed:""`
	ID          string `arg:"" help:"Sandbox id"`
}

type SnapshotListCommand struct {
	ClientFlags `embed:""`
}

type SnapshotDeleteCommand struct {
	ClientFlags `embed:""`
	ID          string `arg:"" help:"Snapshot id"`
}

func (c *SandboxCreateCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	resp, err := client.CreateSandbox(context.Background(), controlapi.CreateSandboxRequest{
		SnapshotID:   c.Snapshot,
		SnapshotPath: c.SnapshotPath,
	})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, resp)
	}

	w := ctx.Stdout
	fmt.Fprintf(w, "sandbox: %s\n", resp.VMID)
	if resp.RestoredFrom != "" {
		fmt.Fprintf(w, "restored from: %s\n", resp.RestoredFrom)
	}
	fmt.Fprintf(w, "ports: %s\n", renderPorts(resp.Ports))
	return writeURLs(w, resp.URLs)
}

func (c *SandboxListCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	items, err := client.ListSandboxes(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, items)
	}
	if len(items) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no sandboxes running")
		return err
	}

	tw := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tGUEST IP\tTAP\tCREATED")
	for _, item := range items {
		state := "running"
		switch {
		case item.Stopped:
			state = "stopped"
		case item.Paused:
			state = "paused"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, state, item.GuestIP, item.TapName, item.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func (c *SandboxGetCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	info, err := client.GetSandbox(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, info)
	}

	w := ctx.Stdout
	fmt.Fprintf(w, "sandbox: %s\n", info.ID)
	fmt.Fprintf(w, "pid: %d\n", info.PID)
	fmt.Fprintf(w, "network: %s %s %s\n", info.TapName, info.GuestIP, info.GuestMAC)
	fmt.Fprintf(w, "paused: %t\n", info.Paused)
	fmt.Fprintf(w, "ports: %s\n", renderPorts(info.Ports))
	return writeURLs(w, info.URLs)
}

// commandLine joins the passthrough args, dropping the "--" that kong keeps
// when the user separates the command from the flags.
func (c *SandboxExecCommand) commandLine() string {
	args := c.Command
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	return strings.Join(args, " ")
}

func (c *SandboxExecCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	command := c.commandLine()
	if command == "" {
		return errors.New("missing command to run")
	}
	resp, err := client.Exec(context.Background(), c.ID, command)
	if err != nil {
		return err
	}
	if c.JSON {
		if err := writeJSONOutput(ctx.Stdout, resp); err != nil {
			return err
		}
	} else {
		if _, err := io.WriteString(ctx.Stdout, resp.Stdout); err != nil {
			return err
		}
		if ctx.Stderr != nil {
			_, _ = io.WriteString(ctx.Stderr, resp.Stderr)
		}
	}
	if resp.ExitCode != 0 {
		return exitCodeError{code: resp.ExitCode}
	}
	return nil
}

func (c *SandboxPauseCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := client.Pause(context.Background(), c.ID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "paused %s\n", c.ID)
	return err
}

func (c *SandboxResumeCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := client.Resume(context.Background(), c.ID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "resumed %s\n", c.ID)
	return err
}

func (c *SandboxSnapshotCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	snap, err := client.Snapshot(context.Background(), c.ID, c.SnapshotID)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, snap)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "snapshot %s saved to %s\n", snap.ID, snap.Dir)
	return err
}

func (c *SandboxDestroyCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := client.DestroySandbox(context.Background(), c.ID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "destroyed %s\n", c.ID)
	return err
}

func (c *SnapshotListCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	snaps, err := client.ListSnapshots(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, snaps)
	}
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(ctx.Stdout, "no snapshots")
		return err
	}

	tw := tabwriter.NewWriter(ctx.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSIZE\tCREATED\tLAST RESTORED")
	for _, s := range snaps {
		restored := "-"
		if s.LastRestoredAt != nil {
			restored = s.LastRestoredAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.SourceVMID, humanBytes(s.SizeBytes), s.CreatedAt.Local().Format(time.DateTime), restored)
	}
	return tw.Flush()
}

func (c *SnapshotDeleteCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := client.DeleteSnapshot(context.Background(), c.ID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "deleted snapshot %s\n", c.ID)
	return err
}

func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeURLs(w io.Writer, urls map[string]string) error {
	names := make([]string, 0, len(urls))
	for name := range urls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s: %s\n", name, urls[name]); err != nil {
			return err
		}
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
