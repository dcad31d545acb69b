/*
Package retina implements the post-processing pipeline of the RetinaFace face detector:
prior box generation, box and landmark decoding, greedy non-max suppression and the
orchestration around an external inference engine. It is meant to validate the numerical
parity between a floating point model and its quantized counterpart compiled for an
embedded NPU.

The package provides a command line interface, supporting subcommands for detection,
face alignment, tensor comparison and embedding verification. To check the supported
commands type:

	$ retina --help

In case you wish to integrate the API in a self constructed environment here is a simple example:

	package main

	import (
		"context"
		"fmt"

		"github.com/esimov/retina"
	)

	func main() {
		det, err := retina.NewDetector(retina.MobileNetConfig(), retina.DefaultThresholds(), inferer)
		if err != nil {
			fmt.Printf("Error creating the detector: %s", err.Error())
			return
		}

		faces, err := det.Detect(context.Background(), img)
		if err != nil {
			fmt.Printf("Error detecting faces: %s", err.Error())
		}
	}
*/
package retina
