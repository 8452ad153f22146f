package sql_test

import (
	"context"
	"path/filepath"

	"brite-server/internal/infra/sql"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

type blobRow struct {
	Name string `gorm:"primaryKey"`
	Data []byte
}

var _ = ginkgo.Describe("ORM", func() {
	var (
		orm sql.ORM
		ctx context.Context
	)

	ginkgo.BeforeEach(func() {
		var err error
		orm, err = sql.NewSqliteORM(filepath.Join(ginkgo.GinkgoT().TempDir(), "device.db"))
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(orm.AutoMigrate(&blobRow{})).To(gomega.Succeed())
		ctx = context.Background()
	})

	ginkgo.Context("Save and First", func() {
		ginkgo.It("round-trips a row", func() {
			row := blobRow{Name: "scene", Data: []byte(`{"name":"default"}`)}
			gomega.Expect(orm.WithContext(ctx).Save(&row).Error()).To(gomega.Succeed())

			var loaded blobRow
			err := orm.WithContext(ctx).First(&loaded, "name = ?", "scene").Error()
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(loaded.Data).To(gomega.Equal(row.Data))
		})

		ginkgo.It("upserts on primary key", func() {
			gomega.Expect(orm.WithContext(ctx).Save(&blobRow{Name: "scene", Data: []byte("a")}).Error()).To(gomega.Succeed())
			gomega.Expect(orm.WithContext(ctx).Save(&blobRow{Name: "scene", Data: []byte("b")}).Error()).To(gomega.Succeed())

			var loaded blobRow
			gomega.Expect(orm.WithContext(ctx).First(&loaded, "name = ?", "scene").Error()).NotTo(gomega.HaveOccurred())
			gomega.Expect(loaded.Data).To(gomega.Equal([]byte("b")))
		})
	})

	ginkgo.Context("missing rows", func() {
		ginkgo.It("maps gorm's sentinel to ErrRecordNotFound", func() {
			var loaded blobRow
			err := orm.WithContext(ctx).First(&loaded, "name = ?", "absent").Error()
			gomega.Expect(err).To(gomega.MatchError(sql.ErrRecordNotFound))
		})
	})

	ginkgo.Context("Delete", func() {
		ginkgo.It("removes the row", func() {
			gomega.Expect(orm.WithContext(ctx).Save(&blobRow{Name: "scene", Data: []byte("a")}).Error()).To(gomega.Succeed())
			gomega.Expect(orm.WithContext(ctx).Delete(&blobRow{}, "name = ?", "scene").Error()).To(gomega.Succeed())

			var loaded blobRow
			err := orm.WithContext(ctx).First(&loaded, "name = ?", "scene").Error()
			gomega.Expect(err).To(gomega.MatchError(sql.ErrRecordNotFound))
		})
	})
})
