package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"manga_ranker/config"
)

func TestPublicURL(t *testing.T) {
	aws := config.S3Config{Bucket: "covers", Region: "ap-northeast-1"}
	assert.Equal(t, "https://covers.s3.ap-northeast-1.amazonaws.com/covers/1.jpg", PublicURL(aws, "covers/1.jpg"))

	spaces := config.S3Config{Bucket: "covers", Region: "sgp1", Endpoint: "https://sgp1.digitaloceanspaces.com"}
	assert.Equal(t, "https://covers.sgp1.digitaloceanspaces.com/covers/1.jpg", PublicURL(spaces, "covers/1.jpg"))

	minio := config.S3Config{Bucket: "covers", Region: "us-east-1", Endpoint: "http://localhost:9000/"}
	assert.Equal(t, "http://localhost:9000/covers/covers/1.jpg", PublicURL(minio, "covers/1.jpg"))
}

func TestCoverKey(t *testing.T) {
	assert.Equal(t, "covers/7.jpg", CoverKey(7, "image/jpeg"))
	assert.Equal(t, "covers/7.png", CoverKey(7, "image/png"))
	assert.Equal(t, "covers/7.webp", CoverKey(7, "image/webp"))
	assert.Equal(t, "covers/7.jpg", CoverKey(7, ""))
}
