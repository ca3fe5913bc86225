package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"example/rockpaperscissors/gallery"
	"example/rockpaperscissors/session"
)

var rootCmd = &cobra.Command{
	Use:   "rps",
	Short: "pair with a nearby device and exchange images",
	Long: `rps finds one nearby device advertising the same service, connects to it
and exchanges images with it for as long as the session lasts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return cfg.validate()
	},
}

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "search for a peer and run an interactive session",
	Long: `play advertises and discovers on the local network. Once a peer is connected,
images can be sent with "send <path>". Received images are saved to the gallery.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlay(cmd, &cfg)
	},
}

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "list received images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		sessionID, err := cmd.Flags().GetString("session")
		if err != nil {
			return err
		}
		return listGallery(cmd, &cfg, limit, sessionID)
	},
}

var codenameCmd = &cobra.Command{
	Use:   "codename",
	Short: "print a generated display name",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), session.Codename())
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "log level (trace, debug, info, warn, error)")
	flags.StringVar(&cfg.serviceID, "service", cfg.serviceID, "service id advertised and discovered")
	flags.StringVar(&cfg.dataDir, "data-dir", cfg.dataDir, "directory received images are stored in")

	play := playCmd.Flags()
	play.StringVar(&cfg.name, "name", "", "display name (a codename is generated when empty)")
	play.StringSliceVar(&cfg.listen, "listen", cfg.listen, "multiaddr to listen on (repeatable)")
	play.DurationVar(&cfg.connectTimeout, "connect-timeout", session.DefaultConnectTimeout, "how long a connection attempt may take, negative to wait forever")
	play.StringVar(&cfg.sendPath, "send", "", "image to send as soon as a peer is connected")
	play.BoolVar(&cfg.search, "search", true, "start searching immediately")
	play.StringVar(&cfg.accept, "accept", cfg.accept, "which connections to accept: all, or outgoing for only those we requested")

	galleryCmd.Flags().Int("limit", 20, "number of images to list, 0 for all")
	galleryCmd.Flags().String("session", "", "only list images received during this session id")

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(galleryCmd)
	rootCmd.AddCommand(codenameCmd)
}

// listGallery prints the newest records, or one session's records oldest first.
func listGallery(cmd *cobra.Command, c *config, limit int, sessionID string) error {
	var filter uuid.UUID
	if sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			return fmt.Errorf("invalid session id %q: %w", sessionID, err)
		}
		filter = id
	}

	g, err := gallery.Open(c.dataDir)
	if err != nil {
		return startupError("open gallery", err)
	}
	defer g.Close()

	var records []gallery.Record
	if filter != uuid.Nil {
		records, err = g.BySession(cmd.Context(), filter)
	} else {
		records, err = g.List(cmd.Context(), limit)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No images received yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tFROM\tSESSION\tFORMAT\tSIZE\tPATH")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dx%d\t%s\n",
			time.Unix(rec.CreatedAt, 0).Format(time.DateTime),
			rec.PeerName, rec.SessionID, rec.Format, rec.Width, rec.Height, g.FilePath(rec))
	}
	return w.Flush()
}
