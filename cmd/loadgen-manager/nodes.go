package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirychukyurii/loadgen-manager/internal/model"
)

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Register load-generation nodes and drive their worker",
	}

	cmd.AddCommand(
		newNodesListCmd(),
		newNodesGetCmd(),
		newNodesAddCmd(),
		newNodesUpdateCmd(),
		newNodesDeleteCmd(),
		newNodesRestartCmd(),
		newNodesStatusCmd("enable", "Start the worker on nodes", model.StatusEnabled),
		newNodesStatusCmd("disable", "Stop the worker on nodes", model.StatusDisabled),
		newNodesForceCmd(),
	)
	return cmd
}

func redactAll(nodes []model.Node) []model.Node {
	out := make([]model.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Redacted()
	}
	return out
}

func newNodesListCmd() *cobra.Command {
	var filter model.NodeFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = model.Status(status)
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withApp(cmd.Context(), func(a *app) error {
				nodes, err := a.nodes.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"total": len(nodes),
					"nodes": redactAll(nodes),
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter.Name, "name", "", "substring of the node name")
	cmd.Flags().StringVar(&filter.IP, "ip", "", "exact node address")
	cmd.Flags().StringVar(&status, "status", "", "disabled, enabled, in_progress or error")
	return cmd
}

func newNodesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				node, err := a.nodes.Get(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), node.Redacted())
			})
		},
	}
}

// nodeFlags binds the editable node fields to command flags
func nodeFlags(cmd *cobra.Command, n *model.Node) {
	cmd.Flags().StringVar(&n.Name, "name", "", "display name")
	cmd.Flags().StringVar(&n.IP, "ip", "", "address used to reach the node and advertised by the worker")
	cmd.Flags().StringVar(&n.Username, "user", "", "ssh user")
	cmd.Flags().StringVar(&n.Password, "password", "", "ssh password")
	cmd.Flags().IntVar(&n.SSHPort, "port", model.DefaultSSHPort, "ssh port")
	cmd.Flags().StringVar(&n.HomeDir, "home", "", "worker installation directory")
	cmd.Flags().IntVar(&n.Weight, "weight", 0, "relative share of load")
}

func newNodesAddCmd() *cobra.Command {
	var node model.Node

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				saved, err := a.nodes.Save(cmd.Context(), &node)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), saved.Redacted())
			})
		},
	}

	nodeFlags(cmd, &node)
	_ = cmd.MarkFlagRequired("ip")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("home")
	return cmd
}

func newNodesUpdateCmd() *cobra.Command {
	var patch model.Node

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change the registration of a node; status is not editable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				node, err := a.nodes.Get(cmd.Context(), ids[0])
				if err != nil {
					return err
				}

				flags := cmd.Flags()
				if flags.Changed("name") {
					node.Name = patch.Name
				}
				if flags.Changed("ip") {
					node.IP = patch.IP
				}
				if flags.Changed("user") {
					node.Username = patch.Username
				}
				if flags.Changed("password") {
					node.Password = patch.Password
				}
				if flags.Changed("port") {
					node.SSHPort = patch.SSHPort
				}
				if flags.Changed("home") {
					node.HomeDir = patch.HomeDir
				}
				if flags.Changed("weight") {
					node.Weight = patch.Weight
				}

				updated, err := a.nodes.Update(cmd.Context(), node)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), updated.Redacted())
			})
		},
	}

	nodeFlags(cmd, &patch)
	return cmd
}

func newNodesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Remove nodes from the registry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				results, err := a.nodes.DeleteBatch(cmd.Context(), ids)
				if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
					return errors.Join(err, perr)
				}
				return err
			})
		},
	}
}

// printBatch prints res even when some nodes failed
func printBatch(cmd *cobra.Command, res *model.BatchResult, err error) error {
	if res == nil {
		return err
	}
	if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
		return errors.Join(err, perr)
	}
	if err != nil {
		return fmt.Errorf("%d of %d nodes failed", len(res.Failed()), len(res.Nodes))
	}
	return nil
}

func newNodesRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart ID...",
		Short: "Stop and start the worker on nodes that are not disabled",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.nodes.Restart(cmd.Context(), ids)
				return printBatch(cmd, res, err)
			})
		},
	}
}

func newNodesStatusCmd(use, short string, target model.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.nodes.UpdateStatus(cmd.Context(), ids, target)
				return printBatch(cmd, res, err)
			})
		},
	}
}

func newNodesForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-status STATUS ID...",
		Short: "Overwrite the stored status without contacting the nodes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := model.Status(args[0])
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.nodes.ForceStatus(cmd.Context(), ids, status)
				return printBatch(cmd, res, err)
			})
		},
	}
}
