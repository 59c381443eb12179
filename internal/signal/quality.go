package signal

// Bucket is the discrete quality bucket derived from a raw dBm reading.
type Bucket int

const (
	BucketExcellent Bucket = iota
	BucketGood
	BucketFair
	BucketPoor
	BucketVeryPoor
)

func (b Bucket) String() string {
	switch b {
	case BucketExcellent:
		return "excellent"
	case BucketGood:
		return "good"
	case BucketFair:
		return "fair"
	case BucketPoor:
		return "poor"
	case BucketVeryPoor:
		return "veryPoor"
	default:
		return "unknown"
	}
}

// bucketFor maps a dBm-like signal strength onto a discrete bucket.
func bucketFor(dbm int) Bucket {
	switch {
	case dbm >= -50:
		return BucketExcellent
	case dbm >= -65:
		return BucketGood
	case dbm >= -75:
		return BucketFair
	case dbm >= -90:
		return BucketPoor
	default:
		return BucketVeryPoor
	}
}

// Quality is the smoothed six-level ordinal grade of a peer link.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityVeryPoor
	QualityPoor
	QualityFair
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	case QualityVeryPoor:
		return "veryPoor"
	default:
		return "unknown"
	}
}

// qualityForScore maps the combined quality score onto the ordinal grade.
func qualityForScore(score float64) Quality {
	switch {
	case score >= 0.8:
		return QualityExcellent
	case score >= 0.6:
		return QualityGood
	case score >= 0.4:
		return QualityFair
	case score >= 0.2:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}

// estimatedRangeMeters derives a coarse range estimate from signal strength.
func estimatedRangeMeters(dbm int) int {
	switch {
	case dbm >= -50:
		return 10
	case dbm >= -60:
		return 25
	case dbm >= -70:
		return 50
	case dbm >= -80:
		return 100
	case dbm >= -90:
		return 200
	default:
		return 300
	}
}
