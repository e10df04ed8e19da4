// vosctl is the command-line tool for inspecting and operating on a vostore
// engine directory: creating pools and containers, reading and writing
// values, scanning, running aggregation passes, and dumping metrics.
//
// The engine root comes from --root, the VOSTORE_ROOT environment variable,
// or a vosctl.yaml config file in the working directory, in that order of
// precedence.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aalhour/vostore"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "vosctl",
	Short: "vostore engine inspection and operation tool",
	Long: `vosctl operates directly on a vostore engine directory.

All data commands address a container with --pool and --container and an
entity with --obj (hi:lo), --dkey and --akey. Epochs are plain integers;
omitting --epoch reads the latest committed state.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("root", "", "engine root directory")
	pf.Bool("sync-writes", false, "sync payload files on every append")
	pf.String("pool", "", "pool id (uuid)")
	pf.String("container", "", "container id (uuid)")

	viper.SetEnvPrefix("VOSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetConfigName("vosctl")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
	for _, key := range []string{"root", "sync-writes", "pool", "container"} {
		_ = viper.BindPFlag(key, pf.Lookup(key))
	}

	rootCmd.AddCommand(mkpoolCmd, mkcontCmd, statCmd, putCmd, getCmd,
		scanCmd, aggregateCmd, metricsCmd)
	for _, c := range []*cobra.Command{putCmd, getCmd, scanCmd} {
		c.Flags().String("obj", "", "object id as hi:lo")
		c.Flags().String("dkey", "", "distribution key")
		c.Flags().String("akey", "", "attribute key")
		c.Flags().Uint64("epoch", 0, "epoch (0 = latest for reads)")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openEngine opens the configured engine root.
func openEngine() (*vostore.Engine, error) {
	root := viper.GetString("root")
	if root == "" {
		return nil, fmt.Errorf("engine root not set (--root or VOSTORE_ROOT)")
	}
	return vostore.Open(root, &vostore.Options{
		SyncWrites: viper.GetBool("sync-writes"),
	})
}

// openContainer opens the container addressed by --pool and --container.
func openContainer(eng *vostore.Engine) (*vostore.Container, error) {
	poolID, err := uuid.Parse(viper.GetString("pool"))
	if err != nil {
		return nil, fmt.Errorf("bad --pool: %w", err)
	}
	contID, err := uuid.Parse(viper.GetString("container"))
	if err != nil {
		return nil, fmt.Errorf("bad --container: %w", err)
	}
	return eng.OpenContainer(poolID, contID)
}

// parseObj parses an object id written as hi:lo, both decimal.
func parseObj(s string) (vostore.ObjectID, error) {
	hi, lo, ok := strings.Cut(s, ":")
	if !ok {
		return vostore.ObjectID{}, fmt.Errorf("bad --obj %q, want hi:lo", s)
	}
	h, err := strconv.ParseUint(hi, 10, 64)
	if err != nil {
		return vostore.ObjectID{}, fmt.Errorf("bad --obj %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return vostore.ObjectID{}, fmt.Errorf("bad --obj %q: %w", s, err)
	}
	return vostore.ObjectID{Hi: h, Lo: l}, nil
}

func readEpoch(cmd *cobra.Command) vostore.Epoch {
	e, _ := cmd.Flags().GetUint64("epoch")
	if e == 0 {
		return vostore.MaxEpoch
	}
	return vostore.Epoch(e)
}

var mkpoolCmd = &cobra.Command{
	Use:   "mkpool",
	Short: "Create a pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		id := uuid.New()
		if s := viper.GetString("pool"); s != "" {
			if id, err = uuid.Parse(s); err != nil {
				return fmt.Errorf("bad --pool: %w", err)
			}
		}
		if _, err := eng.CreatePool(id); err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var mkcontCmd = &cobra.Command{
	Use:   "mkcont",
	Short: "Create a container in a pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		poolID, err := uuid.Parse(viper.GetString("pool"))
		if err != nil {
			return fmt.Errorf("bad --pool: %w", err)
		}
		id := uuid.New()
		if s := viper.GetString("container"); s != "" {
			if id, err = uuid.Parse(s); err != nil {
				return fmt.Errorf("bad --container: %w", err)
			}
		}
		if _, err := eng.CreateContainer(poolID, id); err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print pool space usage and container retention state",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		poolID, err := uuid.Parse(viper.GetString("pool"))
		if err != nil {
			return fmt.Errorf("bad --pool: %w", err)
		}
		pool, err := eng.LookupPool(poolID)
		if err != nil {
			return err
		}
		meta, data := pool.Space()
		fmt.Printf("pool %s\n  meta used: %d bytes\n  data used: %d bytes\n", poolID, meta, data)
		if s := viper.GetString("container"); s != "" {
			c, err := openContainer(eng)
			if err != nil {
				return err
			}
			fmt.Printf("container %s\n  lowest retained epoch: %d\n", c.ID(), c.LowestRetainedEpoch())
		}
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <value>",
	Short: "Write one value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		c, err := openContainer(eng)
		if err != nil {
			return err
		}
		objFlag, _ := cmd.Flags().GetString("obj")
		obj, err := parseObj(objFlag)
		if err != nil {
			return err
		}
		dkey, _ := cmd.Flags().GetString("dkey")
		akey, _ := cmd.Flags().GetString("akey")
		epoch, _ := cmd.Flags().GetUint64("epoch")
		if epoch == 0 {
			return fmt.Errorf("put needs an explicit --epoch")
		}
		return c.Update(obj, vostore.ClassKeyValue, dkey, akey,
			vostore.Epoch(epoch), []byte(args[0]), vostore.NilDTX)
	},
}

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Read one value",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		c, err := openContainer(eng)
		if err != nil {
			return err
		}
		objFlag, _ := cmd.Flags().GetString("obj")
		obj, err := parseObj(objFlag)
		if err != nil {
			return err
		}
		dkey, _ := cmd.Flags().GetString("dkey")
		akey, _ := cmd.Flags().GetString("akey")
		vals, err := c.Fetch(obj, dkey, []string{akey}, readEpoch(cmd), vostore.NilDTX)
		if err != nil {
			return err
		}
		if !vals[0].Found {
			return fmt.Errorf("not found")
		}
		fmt.Printf("%s (epoch %d)\n", vals[0].Data, vals[0].Epoch)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List every akey visible at the epoch",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		c, err := openContainer(eng)
		if err != nil {
			return err
		}
		it, err := c.NewIterator(readEpoch(cmd), vostore.NilDTX)
		if err != nil {
			return err
		}
		n := 0
		for it.Next() {
			e := it.Entry()
			if e.Array {
				fmt.Printf("%d:%d/%s/%s@%d (array)\n", e.Object.Hi, e.Object.Lo, e.Dkey, e.Akey, e.Epoch)
			} else {
				fmt.Printf("%d:%d/%s/%s@%d %q\n", e.Object.Hi, e.Object.Lo, e.Dkey, e.Akey, e.Epoch, e.Data)
			}
			n++
		}
		if err := it.Err(); err != nil {
			return err
		}
		fmt.Printf("%d entries\n", n)
		return nil
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <boundary-epoch>",
	Short: "Run one aggregation pass on a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		boundary, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad boundary epoch: %w", err)
		}
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		c, err := openContainer(eng)
		if err != nil {
			return err
		}
		stats, err := c.Aggregate(vostore.Epoch(boundary))
		if err != nil {
			return err
		}
		fmt.Printf("objects visited: %d (skipped %d)\n", stats.ObjectsVisited, stats.ObjectsSkipped)
		fmt.Printf("ilog entries removed: %d\n", stats.IlogEntries)
		fmt.Printf("versions removed: %d\n", stats.Versions)
		fmt.Printf("extents removed: %d\n", stats.Extents)
		fmt.Printf("nodes removed: %d\n", stats.NodesRemoved)
		fmt.Printf("bytes reclaimed: %d inline, %d stored\n", stats.InlineBytes, stats.StoredBytes)
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Dump engine metrics in Prometheus text format",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		eng.Metrics().WritePrometheus(os.Stdout)
		return nil
	},
}
