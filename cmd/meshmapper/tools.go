package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kabili207/meshmapper/pkg/decoder"
	"github.com/kabili207/meshmapper/pkg/geo"
)

var cellCmd = &cobra.Command{
	Use:   "cell [--resolution n] [--] <lat> <lon>",
	Short: "Print the H3 cell for a coordinate",
	Long: `Prints the H3 cell for a coordinate. Flags must come before the
coordinates; a negative latitude needs a "--" in front of it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid longitude: %w", err)
		}
		res, err := cmd.Flags().GetInt("resolution")
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("resolution") {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			res = cfg.H3.Resolution
		}
		cell, err := geo.CellID(lat, lon, res)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cell)
		return nil
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <topic> <hex payload>",
	Short: "Decode one captured payload and print it as JSON",
	Long: `Decodes a payload as the ingester would, using the configured channel
keys. Lines from the raw log can be pasted as "<topic> <hex>".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		channels, err := cfg.ChannelKeys()
		if err != nil {
			return err
		}
		direct, err := cfg.DirectKeyList()
		if err != nil {
			return err
		}
		payload, err := hex.DecodeString(strings.TrimSpace(args[1]))
		if err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}

		dec := decoder.New(decoder.Options{Channels: channels, DirectKeys: direct, Logger: newLogger(cfg.Log)})
		pkt, err := dec.Decode(args[0], payload)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(pkt)
	},
}

func init() {
	cellCmd.Flags().Int("resolution", geo.DefaultResolution, "H3 resolution (defaults to h3.resolution)")
	// A negative longitude after the latitude is not a flag.
	cellCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(cellCmd, decodeCmd)
}
