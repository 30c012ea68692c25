// Package main implements activity-agent, a command line driver for the
// activity collector. It simulates an LMS client session against a running
// activityd ingestion endpoint, which is useful for smoke testing and load
// generation.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/CellTimesCell/new-lms-system1/internal/collector"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

func main() {
	var (
		endpoint      string
		actorID       int64
		courseID      string
		assignmentID  string
		pages         int
		dwell         time.Duration
		flushInterval time.Duration
		bufferSize    int
		submit        bool
	)

	flag.StringVar(&endpoint, "endpoint", "http://localhost:8080", "activityd base URL")
	flag.Int64Var(&actorID, "actor", 0, "Student ID to emit events for (required)")
	flag.StringVar(&courseID, "course", "101", "Course ID to visit")
	flag.StringVar(&assignmentID, "assignment", "", "Assignment ID to view (optional)")
	flag.IntVar(&pages, "pages", 3, "Number of course pages to visit")
	flag.DurationVar(&dwell, "dwell", 2*time.Second, "Time spent on each page")
	flag.DurationVar(&flushInterval, "flush-interval", 5*time.Second, "Collector flush cadence")
	flag.IntVar(&bufferSize, "buffer", collector.DefaultBufferSize, "Collector buffer size")
	flag.BoolVar(&submit, "submit", false, "Submit the assignment after viewing it")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "activity-agent - simulated LMS client session\n\n")
		fmt.Fprintf(os.Stderr, "Usage: activity-agent --actor 42 [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if actorID <= 0 {
		fmt.Fprintln(os.Stderr, "activity-agent: --actor is required")
		flag.Usage()
		os.Exit(2)
	}

	sender := collector.NewHTTPSender(endpoint)
	c := collector.New(collector.Config{
		ActorID:       actorID,
		Endpoint:      endpoint,
		BufferSize:    bufferSize,
		FlushInterval: flushInterval,
	}, sender)

	c.Start()
	log.Printf("[agent] session started: actor=%d endpoint=%s", actorID, endpoint)

	c.StartResourceTracking(types.ResourceCourse, courseID)
	for i := 1; i <= pages; i++ {
		path := fmt.Sprintf("/courses/%s/pages/%d", courseID, i)
		c.Navigate(path)
		log.Printf("[agent] page view: %s", path)
		time.Sleep(dwell)
	}
	c.RecordEvent(types.EventView, types.ResourceCourse, courseID, nil)
	c.EndResourceTracking()

	if assignmentID != "" {
		c.StartResourceTracking(types.ResourceAssignment, assignmentID)
		c.Navigate(fmt.Sprintf("/courses/%s/assignments/%s", courseID, assignmentID))
		c.RecordEvent(types.EventView, types.ResourceAssignment, assignmentID, nil)
		time.Sleep(dwell)
		if submit {
			c.RecordEvent(types.EventSubmission, types.ResourceAssignment, assignmentID, map[string]interface{}{
				"attempt": 1,
			})
			log.Printf("[agent] submitted assignment %s", assignmentID)
		}
		c.EndResourceTracking()
	}

	c.Stop()
	log.Printf("[agent] session ended: actor=%d", actorID)
}
