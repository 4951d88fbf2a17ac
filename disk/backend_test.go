package disk

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("FileBackend", func() {
	It("should read zeros past the written data", func() {
		path := filepath.Join(GinkgoT().TempDir(), "img")
		b, err := CreateFileBackend(path, 4096)
		Expect(err).NotTo(HaveOccurred())

		_, err = b.WriteAt([]byte{9, 9}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Close()).To(Succeed())

		b, err = OpenFileBackend(path, true)
		Expect(err).NotTo(HaveOccurred())
		defer b.Close()

		Expect(b.Size()).To(Equal(uint64(4096)))
		buf := make([]byte, 4)
		_, err = b.ReadAt(buf, 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf).To(Equal([]byte{0, 9, 9, 0}))
	})
})

var _ = Describe("SGList", func() {
	It("should sum the segment lengths", func() {
		l := SGList{{Addr: 0, Len: 3}, {Addr: 100, Len: 4}}
		Expect(l.Size()).To(Equal(uint64(7)))
	})
})
