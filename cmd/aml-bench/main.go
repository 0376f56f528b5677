package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/livekit/livekit-server/pkg/config"
	serverlogger "github.com/livekit/livekit-server/pkg/logger"
	"github.com/livekit/livekit-server/pkg/sfu/activemedialist"
	"github.com/livekit/livekit-server/pkg/utils"
)

// bench is a synthetic load generator that drives an ActiveMediaList through
// a fixed number of ticks with randomized audio levels, then reports the
// resulting dominant-speaker/active-talker state. It exercises the same
// public surface a media-engine goroutine would.
func main() {
	app := &cli.App{
		Name:  "aml-bench",
		Usage: "drive an active media list with synthetic audio/video load",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "audio-participants", Value: 20},
			&cli.IntFlag{Name: "video-participants", Value: 10},
			&cli.IntFlag{Name: "ticks", Value: 2000},
			&cli.Int64Flag{Name: "seed", Value: 1},
			&cli.StringFlag{Name: "config", Usage: "path to a livekit-server YAML config providing active_media_list tunables"},
		},
		Action: run,
	}

	serverlogger.InitDevelopment("info")
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// syntheticSimulcastStream is a fixed-state SimulcastStream for driving
// AddVideoParticipant with synthetic load; it never changes state across
// the benchmark run.
type syntheticSimulcastStream struct {
	sendingVideo bool
	primarySSRC  uint32
}

func (s *syntheticSimulcastStream) IsSendingVideo() bool  { return s.sendingVideo }
func (s *syntheticSimulcastStream) IsSendingSlides() bool { return false }
func (s *syntheticSimulcastStream) PrimarySSRC() uint32   { return s.primarySSRC }

func run(c *cli.Context) error {
	numAudio := c.Int("audio-participants")
	numVideo := c.Int("video-participants")
	ticks := c.Int("ticks")
	rng := rand.New(rand.NewSource(c.Int64("seed")))

	cfg := activemedialist.DefaultConfig()
	if path := c.String("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		conf, err := config.NewConfig(string(raw), false, nil, nil)
		if err != nil {
			return err
		}
		cfg = conf.ActiveMediaList
	}

	audioSSRCs := make([]uint32, numAudio)
	for i := range audioSSRCs {
		audioSSRCs[i] = uint32(1000 + i)
	}
	videoSSRCs := make([]activemedialist.SimulcastLevel, int(cfg.DefaultLastN)+3+numVideo)
	for i := range videoSSRCs {
		videoSSRCs[i] = activemedialist.SimulcastLevel{
			SSRC:         uint32(5000 + 2*i),
			FeedbackSSRC: uint32(5000 + 2*i + 1),
		}
	}

	aml := activemedialist.New(activemedialist.Params{
		InstanceID: 1,
		AudioSSRCs: audioSSRCs,
		VideoSSRCs: videoSSRCs,
		Config:     cfg,
	})

	endpoints := make([]activemedialist.EndpointID, numAudio)
	for i := 0; i < numAudio; i++ {
		e := activemedialist.EndpointID(i + 1)
		endpoints[i] = e
		if err := aml.AddAudioParticipant(e); err != nil {
			return err
		}
	}

	videoEndpoints := make([]activemedialist.EndpointID, 0, numVideo)
	for i := 0; i < numVideo; i++ {
		e := activemedialist.EndpointID(numAudio + i + 1)
		primary := &syntheticSimulcastStream{sendingVideo: true, primarySSRC: uint32(9000 + i)}
		if err := aml.AddVideoParticipant(e, primary, nil); err != nil {
			return err
		}
		videoEndpoints = append(videoEndpoints, e)
	}

	switches := 0
	now := int64(0)
	sw := utils.NewStopwatch()
	for t := 0; t < ticks; t++ {
		for _, e := range endpoints {
			level := uint8(rng.Intn(40))
			if rng.Intn(50) == 0 {
				level = uint8(70 + rng.Intn(50)) // an occasional loud burst
			}
			aml.PushAudioLevel(activemedialist.AudioLevelSample{Endpoint: e, Level: level})
		}
		now += 10
		changed, _ := aml.Process(now)
		if changed {
			switches++
		}
	}
	sw.Mark("ticks-done")
	elapsed := sw.Splits()[0].Duration

	videoForwarded := 0
	for _, e := range videoEndpoints {
		if aml.IsInActiveVideoList(e) {
			videoForwarded++
		}
	}

	fmt.Printf("processed %d ticks (%d audio, %d video participants) in %s\n", ticks, numAudio, numVideo, elapsed)
	fmt.Printf("dominant speaker switches: %d, ingest drops: %d\n", switches, aml.IngestDropCount())
	fmt.Printf("video participants in active list: %d/%d\n", videoForwarded, numVideo)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Endpoint", "Score", "NoiseLevel", "PTT"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
	})
	for _, talker := range aml.GetActiveTalkers() {
		table.Append([]string{
			fmt.Sprintf("%d", talker.Endpoint),
			fmt.Sprintf("%d", talker.Score),
			fmt.Sprintf("%d", talker.NoiseLevel),
			fmt.Sprintf("%v", talker.PTT),
		})
	}
	table.Render()

	fmt.Printf("dominant speaker: %d\n", aml.GetDominantSpeaker())
	return nil
}
