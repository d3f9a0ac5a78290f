// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package kss is a small key/value store for blobs kept outside of the database.

It archives certificate authority material that has been replaced, so a CA can
be recovered after its backup slot was purged. There are three backends: a local
file system, AWS S3 and memory.
*/
package kss

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("kss: key not found")

// Driver defines the interface for the KSS service
type Driver interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// DriverType represents the different type of KSS Drivers
type DriverType string

const (
	// DriverTypeLocal is the local filesystem implementation of the KSS service
	DriverTypeLocal DriverType = "local"
	// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
	DriverTypeAWSS3 DriverType = "s3"
	// DriverTypeMemory keeps everything in memory
	DriverTypeMemory DriverType = "memory"
	// None is used when there is no KSS implementation
	None DriverType = ""
)

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the S3 KSS service
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSRegion     string
	AWSBucketName string
	KeyPrefix     string
}

// New returns the driver selected by the configuration. None returns a nil driver.
func New(ctx context.Context, config Configuration) (Driver, error) {
	switch config.DriverType {
	case None:
		return nil, nil
	case DriverTypeMemory:
		return NewMemory(), nil
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, errors.New("local kss driver needs a LocalConfiguration")
		}
		return NewLocalFilesystem(config.LocalConfiguration.BasePath)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, errors.New("s3 kss driver needs a S3Configuration")
		}
		return NewS3(ctx, *config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown kss driver type '%s'", config.DriverType)
}
