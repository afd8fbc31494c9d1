// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rest serves surface fitting jobs over HTTP
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/dishfit/internal/job"
)

func Serve() {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/fit", postFit)
			v1.POST("/screws", postScrews)
		}
	}
	r.Run() // listen and serve on 0.0.0.0:8080
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Rejects jobs whose file arguments would leave the working directory
func checkJobPaths(j *job.Job) error {
	for _, p := range []string{j.AmpFile, j.DevFile, j.TelescopeFile, j.ResidFile, j.CorrFile, j.ScrewsFile} {
		if p != "" && !job.IsPathAllowed(p) {
			return fmt.Errorf("filename %s outside current directory tree, aborting", p)
		}
	}
	return nil
}

// Runs a fitting job, streaming the text log of the run to the client
func postFit(c *gin.Context) {
	logWriter := c.Writer
	var args job.Job
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := checkJobPaths(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	ctx := job.NewContext(logWriter)
	if _, err := args.Run(ctx); err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	logWriter.(http.Flusher).Flush()
}

// Runs a fitting job and returns the screw adjustments as JSON, four
// values per panel in meters
func postScrews(c *gin.Context) {
	var args job.Job
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := checkJobPaths(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := job.NewContext(io.Discard)
	s, err := args.Run(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	values, err := s.ScrewValues()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rms := s.RMS()
	resRMS, _ := s.ResidualRMS()
	c.JSON(http.StatusOK, gin.H{
		"panels":        len(s.Panels),
		"fallbacks":     s.Fallbacks,
		"rmsMm":         rms,
		"residualRmsMm": resRMS,
		"screws":        values,
	})
}
