package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/pkg/profile"
	"github.com/prometheus/common/config"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"

	"github.com/probe-lab/flowarchive/pkg/archive"
	"github.com/probe-lab/flowarchive/pkg/deliver"
	"github.com/probe-lab/flowarchive/pkg/filter"
	"github.com/probe-lab/flowarchive/pkg/prom"
	"github.com/probe-lab/flowarchive/pkg/run"
	"github.com/probe-lab/flowarchive/pkg/source"
	"github.com/probe-lab/flowarchive/pkg/tracing"
	"github.com/probe-lab/flowarchive/pkg/transform"
)

var RunCommand = &cli.Command{
	Name:   "run",
	Usage:  "Receive flows from a capture host and archive them",
	Action: Run,
	Flags: flags([]cli.Flag{
		&cli.StringFlag{
			Name:        "elasticsearch-url",
			Usage:       "URL of the document endpoint that flows are posted to.",
			Value:       archive.DefaultURL,
			Destination: &runOpts.url,
			EnvVars:     []string{envPrefix + "ELASTICSEARCH_URL"},
		},
		&cli.BoolFlag{
			Name:        "encode-content",
			Usage:       "Keep binary bodies as base64 text instead of replacing them with a placeholder.",
			Value:       false,
			Destination: &runOpts.encodeContent,
			EnvVars:     []string{envPrefix + "ENCODE_CONTENT"},
		},
		&cli.StringFlag{
			Name:        "elastic-username",
			Usage:       "Username for basic auth. Basic auth is only used when a password is also given.",
			Value:       "",
			Destination: &runOpts.username,
			EnvVars:     []string{envPrefix + "ELASTIC_USERNAME"},
		},
		&cli.StringFlag{
			Name:        "elastic-password",
			Usage:       "Password for basic auth. Basic auth is only used when a username is also given.",
			Value:       "",
			Destination: &runOpts.password,
			EnvVars:     []string{envPrefix + "ELASTIC_PASSWORD"},
		},
		&cli.StringFlag{
			Name:        "elastic-ca-file",
			Usage:       "CA certificate used to verify the document endpoint.",
			Value:       "",
			Destination: &runOpts.caFile,
			EnvVars:     []string{envPrefix + "ELASTIC_CA_FILE"},
		},
		&cli.BoolFlag{
			Name:        "elastic-insecure-skip-verify",
			Usage:       "Do not verify the document endpoint's certificate.",
			Value:       false,
			Destination: &runOpts.insecureSkipVerify,
			EnvVars:     []string{envPrefix + "ELASTIC_INSECURE_SKIP_VERIFY"},
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Where flows are read from: http, stream, sqs or - for newline delimited envelopes on stdin.",
			Value:       "http",
			Destination: &runOpts.source,
			EnvVars:     []string{envPrefix + "SOURCE"},
		},
		&cli.StringFlag{
			Name:        "listen",
			Usage:       "Network address the http source listens on.",
			Value:       ":8089",
			Destination: &runOpts.listen,
			EnvVars:     []string{envPrefix + "LISTEN"},
		},
		&cli.StringFlag{
			Name:        "stream-uri",
			Usage:       "URI of the capture host's websocket feed when using the stream source.",
			Value:       "",
			Destination: &runOpts.streamURI,
			EnvVars:     []string{envPrefix + "STREAM_URI"},
		},
		&cli.StringFlag{
			Name:        "stream-username",
			Usage:       "Username to use when using the stream source.",
			Value:       "",
			Destination: &runOpts.streamUsername,
			EnvVars:     []string{envPrefix + "STREAM_USERNAME"},
		},
		&cli.StringFlag{
			Name:        "stream-password",
			Usage:       "Password to use when using the stream source.",
			Value:       "",
			Destination: &runOpts.streamPassword,
			EnvVars:     []string{envPrefix + "STREAM_PASSWORD"},
		},
		&cli.StringFlag{
			Name:        "sqs-queue",
			Usage:       "Name of the sqs queue to read flows from when using the sqs source.",
			Value:       "",
			Destination: &runOpts.sqsQueue,
			EnvVars:     []string{envPrefix + "SQS_QUEUE"},
		},
		&cli.StringFlag{
			Name:        "sqs-region",
			Usage:       "AWS region to use when connecting to sqs.",
			Value:       "eu-west-1",
			Destination: &runOpts.sqsRegion,
			EnvVars:     []string{envPrefix + "SQS_REGION"},
		},
		&cli.Float64Flag{
			Name:        "ws-binary-threshold",
			Usage:       "Fraction of non-printable characters above which a websocket message is treated as binary.",
			Value:       transform.DefaultBinaryThreshold,
			Destination: &runOpts.binaryThreshold,
			EnvVars:     []string{envPrefix + "WS_BINARY_THRESHOLD"},
		},
		&cli.IntFlag{
			Name:        "queue-capacity",
			Usage:       "Maximum number of flows waiting for delivery. When full the oldest is discarded. Zero means unbounded.",
			Value:       0,
			Destination: &runOpts.queueCapacity,
			EnvVars:     []string{envPrefix + "QUEUE_CAPACITY"},
		},
		&cli.DurationFlag{
			Name:        "post-timeout",
			Usage:       "Timeout for each post to the document endpoint. Zero means no timeout.",
			Value:       0,
			Destination: &runOpts.postTimeout,
			EnvVars:     []string{envPrefix + "POST_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:        "drain-timeout",
			Usage:       "How long to wait for queued flows to be delivered when shutting down. Zero means wait for all of them.",
			Value:       0,
			Destination: &runOpts.drainTimeout,
			EnvVars:     []string{envPrefix + "DRAIN_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:        "health-interval",
			Usage:       "Interval between delivery health log lines.",
			Value:       5 * time.Minute,
			Destination: &runOpts.healthInterval,
			EnvVars:     []string{envPrefix + "HEALTH_INTERVAL"},
		},
		&cli.BoolFlag{
			Name:        "dump-frames",
			Usage:       "Log every outgoing document.",
			Value:       false,
			Destination: &runOpts.dumpFrames,
			EnvVars:     []string{envPrefix + "DUMP_FRAMES"},
		},
		&cli.StringFlag{
			Name:        "prometheus-addr",
			Usage:       "Network address to start a prometheus metric exporter server on (example: :9991)",
			Value:       "",
			Destination: &runOpts.prometheusAddr,
			EnvVars:     []string{envPrefix + "PROMETHEUS_ADDR"},
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "Write a CPU profile to the specified file before exiting.",
			Value:       "",
			Destination: &runOpts.cpuprofile,
			EnvVars:     []string{envPrefix + "CPUPROFILE"},
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "Write an allocation profile to the file before exiting.",
			Value:       "",
			Destination: &runOpts.memprofile,
			EnvVars:     []string{envPrefix + "MEMPROFILE"},
		},
	}),
}

var runOpts struct {
	url                string
	encodeContent      bool
	username           string
	password           string
	caFile             string
	insecureSkipVerify bool
	source             string
	listen             string
	streamURI          string
	streamUsername     string
	streamPassword     string
	sqsQueue           string
	sqsRegion          string
	binaryThreshold    float64
	queueCapacity      int
	postTimeout        time.Duration
	drainTimeout       time.Duration
	healthInterval     time.Duration
	dumpFrames         bool
	prometheusAddr     string
	cpuprofile         string
	memprofile         string
}

func Run(cc *cli.Context) error {
	ctx := cc.Context
	setupLogging()

	// configuration errors must surface before anything starts
	archiver, err := archive.New(archive.Config{
		URL:             runOpts.url,
		Username:        runOpts.username,
		Password:        runOpts.password,
		EncodeContent:   runOpts.encodeContent,
		BinaryThreshold: runOpts.binaryThreshold,
		QueueCapacity:   runOpts.queueCapacity,
		PostTimeout:     runOpts.postTimeout,
		DrainTimeout:    runOpts.drainTimeout,
		DumpFrames:      runOpts.dumpFrames,
		TLS: config.TLSConfig{
			CAFile:             runOpts.caFile,
			InsecureSkipVerify: runOpts.insecureSkipVerify,
		},
	})
	if err != nil {
		return fmt.Errorf("archiver: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("failed to shut down tracing", err)
		}
	}()

	f := filter.ExcludeEndpoint(archiver.Endpoint())
	src, err := newSource(archiver, f)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	rg := new(run.Group)
	rg.Add("archive", archiver)
	rg.Add("source", src)
	rg.Add("health", &deliver.Health{
		Stats:    archiver.Stats(),
		Interval: runOpts.healthInterval,
		Pending:  archiver.Pending,
	})

	if runOpts.prometheusAddr != "" {
		ps, err := prom.NewPrometheusServer(runOpts.prometheusAddr, "/metrics")
		if err != nil {
			return fmt.Errorf("start prometheus: %w", err)
		}
		rg.Add("prometheus", ps)
	}

	if runOpts.cpuprofile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfileFilename(runOpts.cpuprofile)).Stop()
	}

	if runOpts.memprofile != "" {
		defer profile.Start(profile.MemProfile, profile.ProfileFilename(runOpts.memprofile)).Stop()
	}

	return rg.RunAndWait(ctx)
}

func newSource(sink source.Sink, f filter.RecordFilter) (run.Runnable, error) {
	switch runOpts.source {
	case "http":
		return source.NewHTTPSource(&source.HTTPConfig{Addr: runOpts.listen}, sink, f)
	case "stream":
		if runOpts.streamURI == "" {
			return nil, fmt.Errorf("stream-uri must be set when using the stream source")
		}
		return source.NewStreamSource(&source.StreamConfig{
			AppName:  appName,
			URI:      runOpts.streamURI,
			Username: runOpts.streamUsername,
			Password: runOpts.streamPassword,
		}, sink, f)
	case "sqs":
		awscfg := aws.NewConfig()
		awscfg.Region = aws.String(runOpts.sqsRegion)
		awscfg.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
			Timeout: 30 * time.Second,
		})
		return source.NewSQSSource(&source.SQSConfig{
			AWSConfig: awscfg,
			Queue:     runOpts.sqsQueue,
		}, sink, f)
	case "-":
		return source.NewReaderSource(os.Stdin, sink, f)
	default:
		return nil, fmt.Errorf("unknown source %q", runOpts.source)
	}
}
