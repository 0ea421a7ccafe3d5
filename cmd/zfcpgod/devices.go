package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

var supportedCmd = &cobra.Command{
	Use:   "supported",
	Short: "Check whether this host supports zFCP",
	Run: func(cmd *cobra.Command, args []string) {
		e := newEnv()
		defer e.close()

		ok, err := e.engine.Supported(cmd.Context())
		if err != nil {
			e.close()
			fatal("checking support", err)
		}
		if !ok {
			fmt.Println("zFCP is not supported on this system")
			e.close()
			os.Exit(1)
		}
		fmt.Println("zFCP is supported")
	},
}

var controllersCmd = &cobra.Command{
	Use:   "controllers",
	Short: "List zFCP controllers",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		e := probed(cmd.Context())
		defer e.close()

		controllers, err := e.engine.Controllers(cmd.Context())
		if err != nil {
			e.close()
			fatal("listing controllers", err)
		}
		if jsonOut {
			if err := printJSON(os.Stdout, controllers); err != nil {
				fatal("writing output", err)
			}
			return
		}
		printControllers(os.Stdout, controllers)
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <controller>",
	Short: "Activate a zFCP controller",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := probed(cmd.Context())
		defer e.close()

		if err := e.engine.ActivateController(cmd.Context(), args[0]); err != nil {
			e.close()
			fatal("activating controller", err)
		}
		c, err := e.engine.Controller(cmd.Context(), args[0])
		if err != nil {
			e.close()
			fatal("reading controller", err)
		}
		fmt.Printf("%s: %s (%d WWPNs)\n", c.ID, c.State, len(c.WWPNs))
	},
}

var wwpnsCmd = &cobra.Command{
	Use:   "wwpns <controller>",
	Short: "List the WWPNs reachable through an active controller",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		e := probed(cmd.Context())
		defer e.close()

		wwpns, err := e.engine.WWPNs(cmd.Context(), args[0])
		if err != nil {
			e.close()
			fatal("listing WWPNs", err)
		}
		if jsonOut {
			if err := printJSON(os.Stdout, wwpns); err != nil {
				fatal("writing output", err)
			}
			return
		}
		for _, w := range wwpns {
			fmt.Println(w)
		}
	},
}

var lunsCmd = &cobra.Command{
	Use:   "luns <controller> <wwpn>",
	Short: "List the LUNs behind a WWPN",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		e := probed(cmd.Context())
		defer e.close()

		luns, err := e.engine.LUNs(cmd.Context(), args[0], args[1])
		if err != nil {
			e.close()
			fatal("listing LUNs", err)
		}
		if jsonOut {
			if err := printJSON(os.Stdout, luns); err != nil {
				fatal("writing output", err)
			}
			return
		}
		for _, l := range luns {
			fmt.Println(l)
		}
	},
}

var disksCmd = &cobra.Command{
	Use:   "disks",
	Short: "List zFCP disks and their activation state",
	Long: `List every disk behind an active controller. The probe enumerates the LUNs
of every port, so inactive disks are listed too.`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOut, _ := cmd.Flags().GetBool("json")
		e := probed(cmd.Context())
		defer e.close()

		disks, err := e.engine.Disks(cmd.Context())
		if err != nil {
			e.close()
			fatal("listing disks", err)
		}
		if jsonOut {
			if err := printJSON(os.Stdout, disks); err != nil {
				fatal("writing output", err)
			}
			return
		}
		printDisks(os.Stdout, disks, e.engine.Snapshot().ProbedAt())
	},
}

var activateDiskCmd = &cobra.Command{
	Use:   "activate-disk <controller> <wwpn> <lun>",
	Short: "Activate the disk at controller/WWPN/LUN",
	Long: `Activate the disk at controller/WWPN/LUN. The controller must already be
active; it is never activated implicitly.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		e := probed(cmd.Context())
		defer e.close()

		if err := e.engine.ActivateDisk(cmd.Context(), args[0], args[1], args[2]); err != nil {
			e.close()
			fatal("activating disk", err)
		}
		fmt.Printf("%s: %s\n", zfcp.DiskPath(args[0], args[1], args[2]), zfcp.StateActive)
	},
}

var deactivateDiskCmd = &cobra.Command{
	Use:   "deactivate-disk <controller> <wwpn> <lun>",
	Short: "Deactivate the disk at controller/WWPN/LUN",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		e := probed(cmd.Context())
		defer e.close()

		if err := e.engine.DeactivateDisk(cmd.Context(), args[0], args[1], args[2]); err != nil {
			e.close()
			fatal("deactivating disk", err)
		}
		fmt.Printf("%s: %s\n", zfcp.DiskPath(args[0], args[1], args[2]), zfcp.StateInactive)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Rescan zFCP hardware and print a summary",
	Run: func(cmd *cobra.Command, args []string) {
		e := probed(cmd.Context())
		defer e.close()

		s := e.engine.Snapshot()
		fmt.Printf("%d controllers, %d disks\n", len(s.Controllers()), len(s.Disks()))
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Activate the devices listed in the config file",
	Long: `Activate every device in the config's devices list. Controllers are
activated first, then each configured LUN. Disks behind a controller that
failed to activate are skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		e := probed(cmd.Context())
		defer e.close()

		devices := e.cfg.DevicePaths()
		if len(devices) == 0 {
			fmt.Println("No devices configured")
			return
		}
		if err := e.engine.Apply(cmd.Context(), devices); err != nil {
			e.close()
			fatal("applying devices", err)
		}
		fmt.Printf("Activated %d devices\n", len(devices))
	},
}

// probed builds the environment and loads the current hierarchy.
func probed(ctx context.Context) *env {
	e := newEnv()
	if err := e.engine.Probe(ctx); err != nil {
		e.close()
		fatal("probing devices", err)
	}
	return e
}

func init() {
	for _, c := range []*cobra.Command{controllersCmd, wwpnsCmd, lunsCmd, disksCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
	}
}
