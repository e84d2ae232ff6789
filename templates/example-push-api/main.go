package main

import (
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/go-chi/chi/v5"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabddb "github.com/questlab-research/questlab-go-utils/questlab-ddb"
	questlabrest "github.com/questlab-research/questlab-go-utils/questlab-rest"
	questlabws "github.com/questlab-research/questlab-go-utils/questlab-ws"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/publish"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/pushapi"
	"github.com/urfave/cli/v2"
)

var opts struct {
	Queue bool
}

var service = questlabcli.NewSubpathService("push")

func main() {
	flags := append(
		questlabcli.CommonFlags,
		questlabcli.PortFlag(5003),
		questlabws.PushStreamFlag,
		questlabcli.BoolFlag("queue", "queue user pushes to the push stream instead of delivering inline", &opts.Queue),
	)
	flags = append(flags, questlabws.DeliveryFlags...)
	flags = append(flags, questlabddb.DDBFlags...)

	app := questlabcli.App(service, action, flags...)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	s := session.Must(session.NewSession(aws.NewConfig()))

	api, err := questlabddb.DynamoDBAPI(s)
	if err != nil {
		return err
	}

	connections := connectiondao.Build(api, questlabcli.CommonOpts.Env)
	d := delivery.New(connections, delivery.NewManagementTransport(s), questlabcli.Logger(service))
	d.DefaultEndpoint = questlabws.GatewayOpts.PushEndpoint
	d.Concurrency = questlabws.GatewayOpts.Concurrency

	push := &pushapi.API{
		Connections: connections,
		Delivery:    d,
		Metrics:     questlabcli.NewMetrics(service, cloudwatch.New(s)),
		Dry:         questlabcli.CommonOpts.Dry,
	}
	if opts.Queue {
		stream := questlabws.GatewayOpts.PushStream
		if stream == "" {
			stream = publish.StreamName(questlabcli.CommonOpts.Env)
		}
		push.Publisher = publish.New(kinesis.New(s), stream)
	}

	routes := questlabrest.Middlewares(service, chi.NewRouter())
	push.Routes(routes)
	return questlabrest.Webserver(service, routes)
}
