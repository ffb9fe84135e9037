package redis

import (
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestSortIDs(t *testing.T) {
	in := []string{"10", "b", "2", "a", "1"}
	assert.Equal(t, []string{"1", "2", "10", "a", "b"}, sortIDs(in))
	assert.Equal(t, []string{"10", "b", "2", "a", "1"}, in)
}

func TestKeys(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	defer client.Close()
	p := New(client, WithPrefix("app"))

	assert.Equal(t, "app:blog_post:7", p.DocKey("BlogPost", "7"))
	assert.Equal(t, "app:blog_post", p.IndexKey("blogPost"))
}

func TestOptionsPanic(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
	assert.Panics(t, func() { WithPrefix("") })
	assert.Panics(t, func() { WithIDKey("") })
}
