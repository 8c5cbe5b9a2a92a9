package model

// Group 群组（内容可归属于群组）
type Group struct {
	ID        string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string `gorm:"type:varchar(128);not null" json:"name"`
	Slug      string `gorm:"type:varchar(128);uniqueIndex" json:"slug"`
	AvatarURL string `gorm:"type:varchar(512)" json:"avatar_url,omitempty"`
}

func (Group) TableName() string { return "groups" }

// Company 公司主页
type Company struct {
	ID        string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string `gorm:"type:varchar(128);not null" json:"name"`
	Slug      string `gorm:"type:varchar(128);uniqueIndex" json:"slug"`
	AvatarURL string `gorm:"type:varchar(512)" json:"avatar_url,omitempty"`
}

func (Company) TableName() string { return "companies" }

// User 作者展示信息（账号体系由后端服务托管）
type User struct {
	ID          string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Username    string `gorm:"type:varchar(64);uniqueIndex" json:"username"`
	DisplayName string `gorm:"type:varchar(128)" json:"display_name"`
	AvatarURL   string `gorm:"type:varchar(512)" json:"avatar_url,omitempty"`
}

func (User) TableName() string { return "users" }
