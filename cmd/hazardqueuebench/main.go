// Copyright 2016-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

// Command hazardqueuebench runs the queue package's end-to-end scenarios
// from the command line and reports allocation stats collected by mm.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/stieg/dukes-of-hazard/mm"
)

var logger *zap.Logger

func main() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hazardqueuebench: logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := newRootCmd().Execute(); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func printStats() {
	fmt.Println(mm.Stats())
}
