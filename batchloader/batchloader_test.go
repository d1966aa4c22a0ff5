package batchloader_test

import (
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/streamsim/dflow/batchloader"
)

func writeData(dir string, pairs [][2]int32) string {
	path := filepath.Join(dir, "data.csv")
	f, err := os.Create(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	for _, p := range pairs {
		fmt.Fprintf(f, "%d,%d\n", p[0], p[1])
	}
	return path
}

var _ = Describe("Loader", func() {
	var dir, dataPath, progressPath string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "batchloader-test-*")
		Expect(err).NotTo(HaveOccurred())
		dataPath = writeData(dir, [][2]int32{{0, 1}, {0, 2}, {0, 3}, {0, 4}, {0, 5}})
		progressPath = filepath.Join(dir, "progress.txt")
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("reads the requested batch size and stops at EOF", func() {
		l, err := batchloader.New(dataPath, progressPath)
		Expect(err).NotTo(HaveOccurred())

		batch, err := l.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(Equal([]int32{1, 2}))
		Expect(l.SaveProgress()).To(Succeed())

		batch, err = l.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(Equal([]int32{3, 4}))
		Expect(l.SaveProgress()).To(Succeed())

		batch, err = l.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(Equal([]int32{5}))
		Expect(l.SaveProgress()).To(Succeed())

		batch, err = l.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(BeEmpty())
	})

	It("re-reads the same batch across a restart if SaveProgress was never called", func() {
		l, err := batchloader.New(dataPath, progressPath)
		Expect(err).NotTo(HaveOccurred())

		first, err := l.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal([]int32{1, 2}))
		// No SaveProgress: simulate a crash before the commit.

		restarted, err := batchloader.New(dataPath, progressPath)
		Expect(err).NotTo(HaveOccurred())
		second, err := restarted.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("does not replay an already-committed batch after restart", func() {
		l, err := batchloader.New(dataPath, progressPath)
		Expect(err).NotTo(HaveOccurred())

		_, err = l.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.SaveProgress()).To(Succeed())

		restarted, err := batchloader.New(dataPath, progressPath)
		Expect(err).NotTo(HaveOccurred())
		next, err := restarted.LoadBatch(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(next).To(Equal([]int32{3, 4}))
	})

	It("skips malformed lines but still advances past them", func() {
		badPath := filepath.Join(dir, "bad.csv")
		Expect(os.WriteFile(badPath, []byte("0,1\nnotaline\n0,2\n"), 0o644)).To(Succeed())
		l, err := batchloader.New(badPath, filepath.Join(dir, "bad_progress.txt"))
		Expect(err).NotTo(HaveOccurred())

		batch, err := l.LoadBatch(10)
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(Equal([]int32{1, 2}))
	})

	It("treats a missing data file as a non-fatal empty batch", func() {
		l, err := batchloader.New(filepath.Join(dir, "missing.csv"), filepath.Join(dir, "p.txt"))
		Expect(err).NotTo(HaveOccurred())

		batch, loadErr := l.LoadBatch(2)
		Expect(loadErr).To(HaveOccurred())
		Expect(batch).To(BeEmpty())
	})
})
