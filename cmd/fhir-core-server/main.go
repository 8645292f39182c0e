// Command fhir-core-server runs the resource orchestration engine as a
// standalone HTTP server. Grounded on fhir-server/server.go's flag/
// subcommand wiring and server/server_setup.go's gin+gin-cors setup,
// restructured onto cobra the way robertoAraneda-gofhir/cmd/gofhir/main.go
// structures its CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"contrib.go.opencensus.io/exporter/jaeger"
	"contrib.go.opencensus.io/exporter/stackdriver"
	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	cors "github.com/itsjamie/gin-cors"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	"github.com/medblocks/fhir-core/config"
	"github.com/medblocks/fhir-core/conditional"
	"github.com/medblocks/fhir-core/engine"
	"github.com/medblocks/fhir-core/everything"
	"github.com/medblocks/fhir-core/history"
	"github.com/medblocks/fhir-core/httpapi"
	"github.com/medblocks/fhir-core/include"
	"github.com/medblocks/fhir-core/paging"
	"github.com/medblocks/fhir-core/routing"
	"github.com/medblocks/fhir-core/search"
	"github.com/medblocks/fhir-core/storage/mongogateway"
	"github.com/medblocks/fhir-core/write"
)

// gitCommit is overridden at build time via -ldflags, matching
// fhir-server/server.go's gitCommit var.
var gitCommit = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fhir-core-server",
		Short: "FHIR R4 resource orchestration engine",
		Long:  "fhir-core-server wires routing, storage, write, search, include expansion, $everything, history and bundle processing into a MongoDB-backed HTTP server.",
		Version: gitCommit,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newInitdbCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		mongoURI          string
		bucket            string
		port              int
		localhostOnly     bool
		pageTTL           time.Duration
		maxSearchCount    int
		enableStackdriver bool
		enableJaeger      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := registerTraceExporters(enableStackdriver, enableJaeger); err != nil {
				return err
			}

			ctx := context.Background()
			client, err := connectMongo(ctx, mongoURI)
			if err != nil {
				return err
			}
			if err := createCollections(ctx, client.Database(bucket)); err != nil {
				return err
			}

			e, cfgCache, err := buildEngine(client, bucket, pageTTL, maxSearchCount)
			if err != nil {
				return err
			}
			if _, err := cfgCache.Get(ctx, bucket); err != nil {
				glog.Warningf("serve: bucket %q has no configuration document yet (%v); writing the default", bucket, err)
				if err := cfgCache.Put(ctx, bucket, config.Default); err != nil {
					return errors.Wrap(err, "serve: seed default configuration failed")
				}
			}

			router := gin.Default()
			router.Use(cors.Middleware(cors.Config{
				Origins:        "*",
				Methods:        "GET, PUT, POST, DELETE",
				RequestHeaders: "Origin, Authorization, Content-Type, If-Match, If-None-Exist",
				ExposedHeaders: "Location, ETag, Last-Modified",
				MaxAge:         86400 * time.Second,
				Credentials:    true,
			}))
			httpapi.NewController(e).RegisterRoutes(router)

			addr := fmt.Sprintf(":%d", port)
			if localhostOnly {
				addr = fmt.Sprintf("localhost:%d", port)
			}
			glog.Infof("serve: listening on %s (bucket %s, commit %s)", addr, bucket, gitCommit)
			return router.Run(addr)
		},
	}

	cmd.Flags().StringVar(&mongoURI, "mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	cmd.Flags().StringVar(&bucket, "bucket", "fhir", "tenant bucket (Mongo database) to serve")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP listen port")
	cmd.Flags().BoolVar(&localhostOnly, "localhost-only", false, "bind to localhost instead of all interfaces")
	cmd.Flags().DurationVar(&pageTTL, "page-ttl", time.Hour, "pagination token time-to-live")
	cmd.Flags().IntVar(&maxSearchCount, "max-search-count", 200, "upper bound on _count for search pages ($everything has its own fixed cap)")
	cmd.Flags().BoolVar(&enableStackdriver, "enable-stackdriver-tracing", false, "export engine.* spans to Stackdriver (requires GCLOUD_PROJECT)")
	cmd.Flags().BoolVar(&enableJaeger, "enable-jaeger-tracing", false, "export engine.* spans to Jaeger (requires JAEGER_AGENT_ENDPOINT_URI)")

	return cmd
}

// registerTraceExporters wires the engine.* spans (registered via
// go.opencensus.io/trace in package engine) to an external collector,
// grounded on fhir-server/server.go's enableStackdriverTracing/
// enableJaegerTracing flags.
func registerTraceExporters(enableStackdriver, enableJaeger bool) error {
	if enableStackdriver {
		gcloudProject := os.Getenv("GCLOUD_PROJECT")
		if gcloudProject == "" {
			return errors.New("--enable-stackdriver-tracing requires GCLOUD_PROJECT")
		}
		sde, err := stackdriver.NewExporter(stackdriver.Options{ProjectID: gcloudProject, MetricPrefix: "fhir-core"})
		if err != nil {
			return errors.Wrap(err, "creating Stackdriver exporter")
		}
		trace.RegisterExporter(sde)
	}
	if enableJaeger {
		je, err := jaeger.NewExporter(jaeger.Options{
			AgentEndpoint:     os.Getenv("JAEGER_AGENT_ENDPOINT_URI"),
			CollectorEndpoint: os.Getenv("JAEGER_COLLECTOR_ENDPOINT_URI"),
			ServiceName:       "fhir-core-server",
		})
		if err != nil {
			return errors.Wrap(err, "creating Jaeger exporter")
		}
		trace.RegisterExporter(je)
	}
	if enableStackdriver || enableJaeger {
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}
	return nil
}

func newInitdbCmd() *cobra.Command {
	var (
		mongoURI string
		bucket   string
	)
	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Pre-create collections and seed the default bucket configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := connectMongo(ctx, mongoURI)
			if err != nil {
				return err
			}
			db := client.Database(bucket)
			if err := createCollections(ctx, db); err != nil {
				return err
			}
			gateway := mongogateway.New(client, mongogateway.DefaultOptions())
			cache := config.NewCache(gateway)
			if err := cache.Put(ctx, bucket, config.Default); err != nil {
				return errors.Wrap(err, "initdb: seed default configuration failed")
			}
			glog.Infof("initdb: bucket %q ready", bucket)
			return nil
		},
	}
	cmd.Flags().StringVar(&mongoURI, "mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	cmd.Flags().StringVar(&bucket, "bucket", "fhir", "tenant bucket (Mongo database) to initialize")
	return cmd
}

// connectMongo dials MongoDB via the plain mongo-driver client. The
// teacher wraps this call in opencensus-integrations/gomongowrapper for
// traced Mongo calls, but that dependency is not carried forward here --
// see DESIGN.md for why.
func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to MongoDB")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "pinging MongoDB")
	}
	return client, nil
}

// createCollections pre-creates every mapped collection plus the shared
// Versions, Tombstones and Admin collections, so multi-document
// transactions never race a first insert
// against an implicit collection creation. Grounded on
// server/server_setup.go's CreateCollections.
func createCollections(ctx context.Context, db *mongo.Database) error {
	names := map[string]bool{
		routing.VersionsCollection:   true,
		routing.TombstonesCollection: true,
		routing.AdminCollection:      true,
	}
	for _, e := range defaultMapping() {
		names[e.Collection] = true
	}
	for name := range names {
		res := db.RunCommand(ctx, bson.D{{"create", name}})
		if err := res.Err(); err != nil && !alreadyExists(err) {
			return errors.Wrapf(err, "createCollections: create %q failed", name)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "NamespaceExists"))
}

// buildEngine composes every package-level component over one Mongo
// client into the engine.Engine facade.
func buildEngine(client *mongo.Client, bucket string, pageTTL time.Duration, maxSearchCount int) (*engine.Engine, *config.Cache, error) {
	gateway := mongogateway.New(client, mongogateway.DefaultOptions())
	table := routing.NewTable(defaultMapping())

	searcher := &search.Engine{
		Gateway:      gateway,
		Routing:      table,
		Params:       defaultSearchRegistry(),
		Bucket:       bucket,
		MaxCount:     maxSearchCount,
		DefaultCount: 20,
	}

	e := &engine.Engine{
		Routing:          table,
		Gateway:          gateway,
		Write:            &write.Pipeline{Routing: table, Bucket: bucket},
		Conditional:      &conditional.Resolver{Searcher: searcher},
		Searcher:         searcher,
		Includes:         defaultIncludeRegistry(),
		EverythingEngine: &everything.Engine{Gateway: gateway, Routing: table},
		History:          &history.Engine{Gateway: gateway, Routing: table},
		Pages:            paging.NewStore(pageTTL),
		Bucket:           bucket,
	}

	return e, config.NewCache(gateway), nil
}
