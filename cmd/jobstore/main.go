package main

import "github.com/nimburion/jobstore/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.CommandOptions{
		Name:       "jobstore",
		ConfigPath: "",
		EnvPrefix:  "JOBSTORE",
	}))
}
