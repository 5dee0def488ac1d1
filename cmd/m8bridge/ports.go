package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zsiec/m8bridge/internal/device"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := device.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tVID:PID\tPRODUCT\tSERIAL")
		for _, p := range ports {
			id := "-"
			if p.IsUSB {
				id = p.VID + ":" + p.PID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, id, p.Product, p.SerialNumber)
		}
		return w.Flush()
	},
}
