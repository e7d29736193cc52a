package main

import (
	"fmt"
	"net/url"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"

	"github.com/meshnet-tools/meshagent/dashboard"
)

var listDebtsCommand = cli.Command{
	Name:   "listdebts",
	Usage:  "list every known peer's debt balance",
	Action: listDebts,
}

func listDebts(ctx *cli.Context) error {
	c := getClient(ctx)

	var list dashboard.DebtsList
	if err := c.get("/v1/debts", &list); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(ctx.App.Writer)
	t.AppendHeader(table.Row{"Identity", "Balance", "Total Paid", "Total Received"})
	for _, row := range list.Rows {
		t.AppendRow(table.Row{row.Identity, row.Balance, row.TotalPaid, row.TotalReceived})
	}
	t.AppendFooter(table.Row{"", "", "Owed to us", list.TotalOwedToUs})
	t.AppendFooter(table.Row{"", "", "We owe", list.TotalWeOwe})
	t.Render()
	return nil
}

var listTunnelsCommand = cli.Command{
	Name:   "listtunnels",
	Usage:  "list every currently installed tunnel",
	Action: listTunnels,
}

func listTunnels(ctx *cli.Context) error {
	c := getClient(ctx)

	var rows []dashboard.TunnelRow
	if err := c.get("/v1/tunnels", &rows); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(ctx.App.Writer)
	t.AppendHeader(table.Row{"Identity", "Interface", "Endpoint", "Created At"})
	for _, row := range rows {
		t.AppendRow(table.Row{row.Identity, row.Iface, row.Endpoint, row.CreatedAt})
	}
	t.Render()
	return nil
}

var listenCommand = cli.Command{
	Name:      "listen",
	Usage:     "request that the daemon enroll an interface for discovery",
	ArgsUsage: "iface",
	Action:    listen,
}

func listen(ctx *cli.Context) error {
	iface := ctx.Args().First()
	if iface == "" {
		return fmt.Errorf("listen: missing iface argument")
	}
	c := getClient(ctx)
	if err := c.post("/v1/interfaces/listen?iface=" + url.QueryEscape(iface)); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "enrollment requested for %s; poll with `meshctl ifacestatus %s`\n", iface, iface)
	return nil
}

var unlistenCommand = cli.Command{
	Name:      "unlisten",
	Usage:     "request that the daemon drop an interface's discovery enrollment",
	ArgsUsage: "iface",
	Action:    unlisten,
}

func unlisten(ctx *cli.Context) error {
	iface := ctx.Args().First()
	if iface == "" {
		return fmt.Errorf("unlisten: missing iface argument")
	}
	c := getClient(ctx)
	if err := c.post("/v1/interfaces/unlisten?iface=" + url.QueryEscape(iface)); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "unlisten requested for %s\n", iface)
	return nil
}

var interfaceStatusCommand = cli.Command{
	Name:      "ifacestatus",
	Usage:     "report an interface's current discovery enrollment state",
	ArgsUsage: "iface",
	Action:    interfaceStatus,
}

func interfaceStatus(ctx *cli.Context) error {
	iface := ctx.Args().First()
	if iface == "" {
		return fmt.Errorf("ifacestatus: missing iface argument")
	}
	c := getClient(ctx)

	var status struct {
		State  int
		Reason string
	}
	if err := c.get("/v1/interfaces/status?iface="+url.QueryEscape(iface), &status); err != nil {
		return err
	}

	names := [...]string{"unknown", "pending", "enrolled", "failed"}
	name := "unknown"
	if status.State >= 0 && status.State < len(names) {
		name = names[status.State]
	}
	if status.Reason != "" {
		fmt.Fprintf(ctx.App.Writer, "%s: %s (%s)\n", iface, name, status.Reason)
	} else {
		fmt.Fprintf(ctx.App.Writer, "%s: %s\n", iface, name)
	}
	return nil
}
