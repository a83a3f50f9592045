package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gosnap/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.WithError(err).Error("gosnap failed")
		os.Exit(1)
	}
}
