// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	bolt "go.etcd.io/bbolt"

	stm "github.com/FlazeNaive/gostm"
)

func timeNowNanos() int64 { return time.Now().UnixNano() }

var bucketName = []byte("bench")
var keyName = []byte("k")

func BenchmarkWrite(b *testing.B) {
	sizes := []int{8, 128, 1024}
	sizeNames := []string{"8b", "128b", "1k"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("size=%s/v=STM", sizeNames[i]), func(b *testing.B) {
			r := openSTM(b, s)
			runSTMWriteBench(b, r, s)
		})
		b.Run(fmt.Sprintf("size=%s/v=Bolt", sizeNames[i]), func(b *testing.B) {
			db := openBolt(b)
			runBoltWriteBench(b, db, s)
		})
	}
}

func openSTM(b *testing.B, size int) *stm.Region {
	r, err := stm.CreateRegion(size, 8)
	if err != nil {
		b.Fatalf("CreateRegion: %s", err)
	}
	return r
}

func openBolt(b *testing.B) *bolt.DB {
	tmpDir, err := os.MkdirTemp("", "stm-bench-*")
	if err != nil {
		b.Fatalf("MkdirTemp: %s", err)
	}
	b.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := bolt.Open(filepath.Join(tmpDir, "bench.db"), 0600, nil)
	if err != nil {
		b.Fatalf("bolt.Open: %s", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		b.Fatalf("CreateBucket: %s", err)
	}
	return db
}

func runSTMWriteBench(b *testing.B, r *stm.Region, size int) {
	payload := make([]byte, size)
	hist := hdrhistogram.New(1, 10_000_000, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx, err := r.Begin(false)
		if err != nil {
			b.Fatalf("Begin: %s", err)
		}
		start := timeNowNanos()
		if err := tx.Write(r.Start(), payload); err != nil {
			b.Fatalf("Write: %s", err)
		}
		if err := tx.End(true); err != nil {
			b.Fatalf("End: %s", err)
		}
		hist.RecordValue(timeNowNanos() - start)
	}
	b.StopTimer()
	reportPercentiles(b, hist)
}

func runBoltWriteBench(b *testing.B, db *bolt.DB, size int) {
	payload := make([]byte, size)
	hist := hdrhistogram.New(1, 10_000_000, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := timeNowNanos()
		err := db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketName).Put(keyName, payload)
		})
		if err != nil {
			b.Fatalf("Update: %s", err)
		}
		hist.RecordValue(timeNowNanos() - start)
	}
	b.StopTimer()
	reportPercentiles(b, hist)
}

func reportPercentiles(b *testing.B, hist *hdrhistogram.Histogram) {
	b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-ns")
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-ns")
}
