package insertmanager_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/streamsim/dflow/insertmanager"
)

var _ = Describe("Manager", func() {
	var dir, insertPath, requestPath, previousPath string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "insertmanager-test-*")
		Expect(err).NotTo(HaveOccurred())
		insertPath = filepath.Join(dir, "inserted.csv")
		requestPath = filepath.Join(dir, "requests_log.csv")
		previousPath = filepath.Join(dir, "ck_batch.csv")
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	newManager := func(batchSize int32) *insertmanager.Manager {
		m, err := insertmanager.New(insertPath, requestPath, previousPath, batchSize)
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	Specify("a fresh manager with no files is empty", func() {
		m := newManager(10)
		Expect(m.IsEmpty()).To(BeTrue())
	})

	Specify("insertValue accepts strictly increasing reqIDs and drops duplicates", func() {
		m := newManager(10)

		_, err := m.InsertValue(1, 1, 0, 42)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.IsEmpty()).To(BeFalse())

		// Duplicate / stale reqID from the same sender is ignored.
		_, err = m.InsertValue(1, 1, 0, 99)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.InsertValue(1, 0, 0, 100)
		Expect(err).NotTo(HaveOccurred())

		batch, err := m.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(Equal(map[int32][]int32{0: {42}}))
	})

	Specify("getBatch groups values by schedule step in step order and respects the batch size", func() {
		m := newManager(3)

		_, err := m.InsertValue(1, 1, 2, 20)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.InsertValue(1, 2, 0, 1)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.InsertValue(1, 3, 0, 2)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.InsertValue(1, 4, 1, 10)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.InsertValue(1, 5, 1, 11)
		Expect(err).NotTo(HaveOccurred())

		batch, err := m.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(Equal(map[int32][]int32{0: {1, 2}, 1: {10}}))
		Expect(m.IsEmpty()).To(BeFalse())
	})

	Specify("getBatch is idempotent until persistData is called", func() {
		m := newManager(10)
		_, err := m.InsertValue(1, 1, 0, 7)
		Expect(err).NotTo(HaveOccurred())

		first, err := m.GetBatch()
		Expect(err).NotTo(HaveOccurred())

		second, err := m.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))

		Expect(m.PersistData()).To(Succeed())

		_, err = m.InsertValue(1, 2, 0, 8)
		Expect(err).NotTo(HaveOccurred())
		third, err := m.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(third).To(Equal(map[int32][]int32{0: {8}}))
	})

	Specify("a crash between getBatch and persistData redelivers the same batch on restart", func() {
		m := newManager(10)
		_, err := m.InsertValue(1, 1, 0, 7)
		Expect(err).NotTo(HaveOccurred())

		batch, err := m.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		// No PersistData: simulate a crash before the downstream commit.

		restarted, err := insertmanager.New(insertPath, requestPath, previousPath, 10)
		Expect(err).NotTo(HaveOccurred())

		redelivered, err := restarted.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(redelivered).To(Equal(batch))
	})

	Specify("after persistData and restart, dedup state and remaining log entries survive", func() {
		m := newManager(1)
		_, err := m.InsertValue(1, 1, 0, 7)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.InsertValue(1, 2, 0, 8)
		Expect(err).NotTo(HaveOccurred())

		_, err = m.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(m.PersistData()).To(Succeed())

		restarted, err := insertmanager.New(insertPath, requestPath, previousPath, 1)
		Expect(err).NotTo(HaveOccurred())

		// reqID 1 from sender 1 must still be rejected as stale.
		_, err = restarted.InsertValue(1, 1, 0, 999)
		Expect(err).NotTo(HaveOccurred())

		batch, err := restarted.GetBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(Equal(map[int32][]int32{0: {8}}))
	})
})
