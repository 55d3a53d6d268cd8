// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gomlx_vars inspects and edits the variables of a checkpoint, along with the collections they are tagged in.
//
// Usage:
//
//	gomlx_vars [flags] <checkpoint_dir>
//
// By default, it prints a summary table of the variables under -scope.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/varkit/pkg/variables"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope   = flag.String("scope", context.RootScope, "Only variables under this scope are listed.")
	flagBackend = flag.String("backend", "",
		"Backend configuration used to read and write values (e.g. \"go\", \"xla:cpu\"). "+
			"If empty, GOMLX_BACKEND or the default backend is used.")
	flagSummary     = flag.Bool("summary", false, "Prints the table of variables under -scope. It is the default if no other report is requested.")
	flagTrainable   = flag.Bool("trainable", false, "Lists the trainable variables under -scope.")
	flagLayer       = flag.String("layer", "", "Lists the variables of the given layer.")
	flagCollections = flag.Bool("collections", false, "Lists the collections and the number of variables tagged in each.")
	flagGet         = flag.String("get", "", "Prints the value of the variable \"<scope>/<name>\", e.g. \"/dense/weights\".")
	flagSet         = flag.String("set", "",
		"Sets the value of a variable and saves a new checkpoint. The format is \"<scope>/<name>=v0,v1,...\": "+
			"the values are converted to the variable dtype, and a single value is broadcast to the variable shape.")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'gomlx_vars -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'gomlx_vars -help'.")
		os.Exit(1)
	}

	checkpoint := must.M1(Load(args[0]))
	session, err := variables.NewSessionWithConfig(*flagBackend, checkpoint.ctx)
	if err != nil {
		klog.Errorf("Invalid -backend=%q: %v", *flagBackend, err)
		os.Exit(1)
	}
	defer session.Close()

	reported := false
	if *flagSet != "" {
		scopeAndName, values := must.M2(ParseAssignment(*flagSet))
		must.M(checkpoint.Set(session, scopeAndName, values))
		fmt.Printf("Variable %q set, new checkpoint saved in %q.\n", scopeAndName, checkpoint.handler.Dir())
		reported = true
	}
	if *flagGet != "" {
		fmt.Println(must.M1(checkpoint.Get(session, *flagGet)))
		reported = true
	}
	if *flagCollections {
		fmt.Println(titleStyle.Render("Collections"))
		fmt.Println(checkpoint.CollectionsTable())
		reported = true
	}
	if *flagTrainable {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Trainable variables in scope %q", *flagScope)))
		fmt.Println(checkpoint.TrainableTable(*flagScope))
		reported = true
	}
	if *flagLayer != "" {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of layer %q", *flagLayer)))
		fmt.Println(checkpoint.LayerTable(*flagLayer))
		reported = true
	}
	if *flagSummary || !reported {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", *flagScope)))
		fmt.Print(variables.Summary(checkpoint.ctx.InAbsPath(*flagScope)))
	}
}
