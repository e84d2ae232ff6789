package questlabddb

import (
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	"github.com/urfave/cli/v2"
)

var DDBOpts struct {
	DAXCluster string
	Endpoint   string
}

var DAXClusterFlag = questlabcli.StringFlag("dax-cluster", "The DAX cluster to connect to", &DDBOpts.DAXCluster)
var EndpointFlag = questlabcli.StringFlag("ddb-endpoint", "Override the DynamoDB endpoint, e.g. http://localhost:8000 for DynamoDB Local", &DDBOpts.Endpoint)

var DDBFlags = []cli.Flag{
	DAXClusterFlag,
	EndpointFlag,
}

var StreamOpts struct {
	TableName string
}

var StreamTableFlag = questlabcli.StringFlag("table-name", "table whose stream to consume in console mode", &StreamOpts.TableName)
