package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"ripley/internal/config"
	"ripley/internal/queue"
)

func newRipCommand(ctx *commandContext) *cobra.Command {
	var (
		device     string
		driveIndex int
		discTitle  string
		titleSpecs []string
		audio      bool
	)

	cmd := &cobra.Command{
		Use:   "rip",
		Short: "Queue a disc extraction job",
		Long: `Queue a disc extraction job. Titles are selected with repeated --title
flags of the form ID[:category[:output-hint]], where category is one of
main, extra, or episode. With no --title flags every title on the disc is
extracted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				titles, err := parseTitleSpecs(titleSpecs)
				if err != nil {
					return err
				}
				if device == "" {
					device = cfg.MakeMKV.Device
				}
				if driveIndex < 0 {
					driveIndex = cfg.MakeMKV.DriveIndex
				}
				if strings.TrimSpace(discTitle) == "" {
					discTitle = "Unknown Disc"
				}
				kind := queue.KindExtract
				if audio {
					kind = queue.KindAudioRip
				}

				titlesJSON, err := queue.EncodeTitles(titles)
				if err != nil {
					return err
				}
				job, err := store.NewJob(cmd.Context(), kind, discTitle, device, driveIndex, titlesJSON)
				if err != nil {
					return err
				}
				cmd.Printf("Queued job %d (%s) for %q on %s\n", job.ID, job.Kind, job.DiscTitle, job.Device)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "Optical device path (default from config)")
	cmd.Flags().IntVar(&driveIndex, "drive-index", -1, "Drive index for the extraction tool (default from config)")
	cmd.Flags().StringVar(&discTitle, "disc-title", "", "Human-readable disc title")
	cmd.Flags().StringArrayVar(&titleSpecs, "title", nil, "Title selection ID[:category[:output-hint]] (repeatable)")
	cmd.Flags().BoolVar(&audio, "audio", false, "Rip as an audio job using the audio profile")
	return cmd
}

func parseTitleSpecs(specs []string) ([]queue.TitleSelection, error) {
	var titles []queue.TitleSelection
	for _, spec := range specs {
		parts := strings.SplitN(strings.TrimSpace(spec), ":", 3)
		id, err := strconv.Atoi(parts[0])
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid title spec %q: ID must be a non-negative integer", spec)
		}
		title := queue.TitleSelection{ID: id, Category: queue.CategoryMain}
		if len(parts) > 1 && parts[1] != "" {
			switch queue.TitleCategory(parts[1]) {
			case queue.CategoryMain, queue.CategoryExtra, queue.CategoryEpisode:
				title.Category = queue.TitleCategory(parts[1])
			default:
				return nil, fmt.Errorf("invalid title spec %q: unknown category %q", spec, parts[1])
			}
		}
		if len(parts) > 2 {
			title.OutputHint = strings.TrimSpace(parts[2])
		}
		titles = append(titles, title)
	}
	return titles, nil
}
